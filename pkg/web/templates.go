package web

import "html/template"

const style = `<style>
body{font-family:system-ui,sans-serif;max-width:960px;margin:2rem auto;padding:0 1rem;color:#222}
table{border-collapse:collapse;width:100%}
td,th{border-bottom:1px solid #e0e0e0;padding:.4rem;text-align:left}
code,pre{font-family:ui-monospace,monospace}
pre{background:#f6f8fa;padding:1rem;overflow-x:auto}
.empty{color:#999;font-style:italic}
</style>`

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="UTF-8"><title>PageKeeper</title>` + style + `</head><body>
<h1>Archived pages</h1>
<form method="get" action="/"><input type="search" name="query" value="{{.Query}}" placeholder="filter by URL"> <button>Filter</button></form>
{{- if not .Pages}}
<p class="empty">No pages archived{{if .Query}} matching &ldquo;{{.Query}}&rdquo;{{end}}.</p>
{{- else}}
<table><tr><th>Page</th><th>Subdomain</th><th>Versions</th><th>Last change</th><th>Tracked since</th></tr>
{{- range .Pages}}
<tr><td><a href="{{.Path}}">{{.ID}}</a></td><td>{{.Subdomain}}</td><td>{{.Versions}}</td><td>{{.LastChange}}</td><td>{{.Created}}</td></tr>
{{- end}}
</table>
{{- end}}
</body></html>`))

var historyTmpl = template.Must(template.New("history").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="UTF-8"><title>{{.ID}} | PageKeeper</title>` + style + `</head><body>
<p><a href="/">&larr; all pages</a></p>
<h1>{{.ID}}</h1>
{{- if .Subdomain}}<p>Subdomain: {{.Subdomain}}</p>{{end}}
<p><a href="{{.Path}}/compare">Latest changes</a></p>
<table><tr><th>Version</th><th>Captured</th><th>Kind</th><th>Hash</th><th>HTTP</th><th>Size</th><th>Stored</th></tr>
{{- range .Versions}}
<tr><td><a href="{{$.Path}}/version/{{.Seq}}">{{.Seq}}</a></td><td>{{.Captured}}</td><td>{{.Kind}}</td><td><code>{{.Hash}}</code></td><td>{{if .Status}}{{.Status}}{{end}}</td><td>{{.Size}}</td><td>{{.Stored}}</td></tr>
{{- end}}
</table>
</body></html>`))

var compareTmpl = template.Must(template.New("compare").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="UTF-8"><title>{{.ID}} {{.From}}..{{.To}} | PageKeeper</title>` + style + `</head><body>
<p><a href="{{.Path}}">&larr; history</a></p>
<h1>{{.ID}}: version {{.From}} &rarr; {{.To}}</h1>
{{- if .Diff}}
<pre>{{.Diff}}</pre>
{{- else}}
<p class="empty">The versions are identical.</p>
{{- end}}
</body></html>`))

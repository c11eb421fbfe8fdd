// Command rotating-site serves a page that changes on a fixed period, for
// trying `pagekeeper run` against something that actually moves.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8099", "listen address")
	period := flag.Duration("period", 10*time.Second, "how often the page content changes")
	flag.Parse()

	start := time.Now()
	edition := func() int64 { return int64(time.Since(start) / *period) }

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := edition()
		etag := `"edition-` + strconv.FormatInt(n, 10) + `"`
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><head><title>Demo edition %d</title></head><body>\n", n)
		fmt.Fprintf(w, "<h1>Edition %d</h1>\n<p>Published %s</p>\n", n, start.Add(time.Duration(n)**period).UTC().Format(time.RFC3339))
		fmt.Fprintln(w, `<div class="ad-slot"><script src="https://securepubads.g.doubleclick.net/tag/js/gpt.js"></script></div>`)
		fmt.Fprintln(w, "<p>This paragraph never changes.</p>\n</body></html>")
	})

	log.Printf("rotating site on http://%s/ (new edition every %s)", *addr, *period)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

// origin-sim is a tiny, dependency-free HTTP origin that misbehaves on
// purpose. It gives the fetcher something realistic to chew on: rate
// limits, outages, slow responses, redirect chains, paginated listings and
// robots rules, all without touching real sites.
//
// Endpoints:
//   - /ok                   200 immediately
//   - /slow?ms=N            sleeps N ms (default -slow_ms, capped) then 200
//   - /flaky?key=K&fail=N   first N hits per key answer 500, then 200
//   - /down                 always 503, for tripping circuit breakers
//   - /limited              fixed-window limiter at -limit_rps; over budget
//     answers 429 with a Retry-After header
//   - /missing              always 404
//   - /list?page=N          query-style pagination, -pages pages deep, each
//     page carrying a rel="next" link
//   - /catalog/page/{n}     path-style pagination, same depth
//   - /az/{letter}          letter index over -letters, -letter_pages deep
//     per letter via ?page=N
//   - /redirect/{n}         hop chain: n -> n-1 -> ... -> /ok
//   - /robots.txt           allows everything except /private/
//   - /private/secret       200, but robots-aware clients never get here
//
// Usage examples:
//
//	origin-sim -listen :9090
//	origin-sim -listen :9090 -pages 8 -limit_rps 2 -v
//
// Notes:
//   - All state (flaky counters, limiter windows) is in-memory and resets
//     with the process.
//   - POST /flaky/reset?key=K clears one flaky counter mid-run.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

func main() {
	var (
		listen      = flag.String("listen", ":9090", "Listen address, e.g. :9090")
		pages       = flag.Int("pages", 5, "Pages served by /list and /catalog before 404s start")
		letters     = flag.String("letters", "abc", "Letters that exist under /az/")
		letterPages = flag.Int("letter_pages", 2, "Pages per letter under /az/{letter}")
		slowMS      = flag.Int("slow_ms", 1500, "Default sleep for /slow in milliseconds")
		maxSlowMS   = flag.Int("max_slow_ms", 10000, "Upper bound for /slow?ms=")
		limitRPS    = flag.Int("limit_rps", 3, "Requests per second /limited admits before 429ing")
		verbose     = flag.Bool("v", false, "Log one line per request")
	)
	flag.Parse()

	if *pages < 1 || *letterPages < 1 || *limitRPS < 1 {
		fmt.Fprintln(os.Stderr, "-pages, -letter_pages and -limit_rps must be > 0")
		os.Exit(2)
	}

	sim := &origin{
		pages:       *pages,
		letters:     strings.ToLower(*letters),
		letterPages: *letterPages,
		slowMS:      *slowMS,
		maxSlowMS:   *maxSlowMS,
		limitRPS:    *limitRPS,
		flaky:       make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ok", sim.handleOK)
	mux.HandleFunc("GET /slow", sim.handleSlow)
	mux.HandleFunc("GET /flaky", sim.handleFlaky)
	mux.HandleFunc("POST /flaky/reset", sim.handleFlakyReset)
	mux.HandleFunc("GET /down", sim.handleDown)
	mux.HandleFunc("GET /limited", sim.handleLimited)
	mux.HandleFunc("GET /missing", sim.handleMissing)
	mux.HandleFunc("GET /list", sim.handleList)
	mux.HandleFunc("GET /catalog/page/{n}", sim.handleCatalogPage)
	mux.HandleFunc("GET /catalog", sim.handleCatalog)
	mux.HandleFunc("GET /az/{letter}", sim.handleLetter)
	mux.HandleFunc("GET /redirect/{n}", sim.handleRedirect)
	mux.HandleFunc("GET /robots.txt", sim.handleRobots)
	mux.HandleFunc("GET /private/", sim.handlePrivate)

	var handler http.Handler = mux
	if *verbose {
		handler = logRequests(mux)
	}

	fmt.Printf("origin-sim listening on %s (%d pages, letters %q, /limited at %d rps)\n",
		*listen, *pages, *letters, *limitRPS)
	srv := &http.Server{
		Addr:         *listen,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.Fatal(srv.ListenAndServe())
}

// origin holds the knobs and the mutable per-process state.
type origin struct {
	pages       int
	letters     string
	letterPages int
	slowMS      int
	maxSlowMS   int
	limitRPS    int

	mu          sync.Mutex
	flaky       map[string]int
	windowStart time.Time
	windowCount int
}

func (o *origin) handleOK(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

func (o *origin) handleSlow(w http.ResponseWriter, r *http.Request) {
	ms := o.slowMS
	if v := r.URL.Query().Get("ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad ms", http.StatusBadRequest)
			return
		}
		ms = n
	}
	if ms > o.maxSlowMS {
		ms = o.maxSlowMS
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-r.Context().Done():
		return
	}
	fmt.Fprintf(w, "slept %dms\n", ms)
}

// handleFlaky fails the first `fail` requests per key with a 500, then
// succeeds. The counter keys on ?key= so one run can host several
// independent flaky URLs.
func (o *origin) handleFlaky(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		key = "default"
	}
	failures := 2
	if v := r.URL.Query().Get("fail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad fail", http.StatusBadRequest)
			return
		}
		failures = n
	}

	o.mu.Lock()
	o.flaky[key]++
	seen := o.flaky[key]
	o.mu.Unlock()

	if seen <= failures {
		http.Error(w, fmt.Sprintf("flaky %s: failure %d of %d", key, seen, failures), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "flaky %s: recovered after %d failures\n", key, failures)
}

func (o *origin) handleFlakyReset(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		key = "default"
	}
	o.mu.Lock()
	delete(o.flaky, key)
	o.mu.Unlock()
	fmt.Fprintf(w, "reset %s\n", key)
}

func (o *origin) handleDown(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "service unavailable", http.StatusServiceUnavailable)
}

// handleLimited admits limitRPS requests per one-second window and answers
// 429 with the remaining window as Retry-After once the budget is spent.
// This is what an adaptive client should slow down for.
func (o *origin) handleLimited(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	now := time.Now()
	if now.Sub(o.windowStart) >= time.Second {
		o.windowStart = now
		o.windowCount = 0
	}
	o.windowCount++
	over := o.windowCount > o.limitRPS
	remaining := time.Second - now.Sub(o.windowStart)
	o.mu.Unlock()

	if over {
		secs := int(remaining.Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	fmt.Fprintln(w, "admitted")
}

func (o *origin) handleMissing(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// handleList serves query-style pagination: /list?page=N up to the
// configured depth, each page linking the next with rel="next".
func (o *origin) handleList(w http.ResponseWriter, r *http.Request) {
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "bad page", http.StatusBadRequest)
			return
		}
		page = n
	}
	if page > o.pages {
		http.NotFound(w, r)
		return
	}
	next := ""
	if page < o.pages {
		next = fmt.Sprintf("/list?page=%d", page+1)
	}
	writeListing(w, fmt.Sprintf("Listing, page %d of %d", page, o.pages), page, next)
}

// handleCatalog is page 1 of the path-style listing.
func (o *origin) handleCatalog(w http.ResponseWriter, r *http.Request) {
	next := ""
	if o.pages > 1 {
		next = "/catalog/page/2"
	}
	writeListing(w, fmt.Sprintf("Catalog, page 1 of %d", o.pages), 1, next)
}

func (o *origin) handleCatalogPage(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || page < 1 {
		http.Error(w, "bad page", http.StatusBadRequest)
		return
	}
	if page > o.pages {
		http.NotFound(w, r)
		return
	}
	next := ""
	if page < o.pages {
		next = fmt.Sprintf("/catalog/page/%d", page+1)
	}
	writeListing(w, fmt.Sprintf("Catalog, page %d of %d", page, o.pages), page, next)
}

// handleLetter serves the letter index: letters in the configured set
// exist, everything else 404s, and each letter paginates via ?page=N.
func (o *origin) handleLetter(w http.ResponseWriter, r *http.Request) {
	letter := strings.ToLower(r.PathValue("letter"))
	if len(letter) != 1 || !strings.Contains(o.letters, letter) {
		http.NotFound(w, r)
		return
	}
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "bad page", http.StatusBadRequest)
			return
		}
		page = n
	}
	if page > o.letterPages {
		http.NotFound(w, r)
		return
	}
	next := ""
	if page < o.letterPages {
		next = fmt.Sprintf("/az/%s?page=%d", letter, page+1)
	}
	writeListing(w, fmt.Sprintf("Index %q, page %d of %d", letter, page, o.letterPages), page, next)
}

// handleRedirect hops down the chain one 302 at a time until /ok.
func (o *origin) handleRedirect(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 0 || n > 100 {
		http.Error(w, "bad hop count", http.StatusBadRequest)
		return
	}
	target := "/ok"
	if n > 1 {
		target = fmt.Sprintf("/redirect/%d", n-1)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (o *origin) handleRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
}

func (o *origin) handlePrivate(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "you found the private area; a polite client would not have")
}

// writeListing renders a minimal HTML page with a handful of items and,
// when next is non-empty, a rel="next" anchor for pagination discovery.
func writeListing(w http.ResponseWriter, title string, page int, next string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><head><title>%s</title></head><body>\n<h1>%s</h1>\n<ul>\n", title, title)
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(w, "  <li>item %d-%d</li>\n", page, i)
	}
	fmt.Fprint(w, "</ul>\n")
	if next != "" {
		fmt.Fprintf(w, `<a rel="next" href="%s">Next</a>`+"\n", next)
	}
	fmt.Fprint(w, "</body></html>\n")
}

// logRequests prints one line per request with the status and duration.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("%s %s -> %d (%s)", r.Method, r.URL.RequestURI(), rec.status, time.Since(start).Truncate(time.Millisecond))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

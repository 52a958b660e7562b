package drupal

import (
	"net/http"
	"net/url"
	"sync"
)

// sessionJar keeps cookies the backend sets, except session cookies. The
// session cookie always comes from the held connection, so once a session
// name is claimed the jar stops returning cookies under that name.
type sessionJar struct {
	http.CookieJar

	mu      sync.Mutex
	claimed map[string]bool
}

func newSessionJar(jar http.CookieJar) *sessionJar {
	return &sessionJar{CookieJar: jar, claimed: make(map[string]bool)}
}

// claim marks name as a session cookie name.
func (j *sessionJar) claim(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.claimed[name] = true
}

func (j *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	cookies := j.CookieJar.Cookies(u)

	j.mu.Lock()
	defer j.mu.Unlock()

	kept := cookies[:0]
	for _, c := range cookies {
		if !j.claimed[c.Name] {
			kept = append(kept, c)
		}
	}
	return kept
}

package cachestore

import (
	"fmt"
	"hash/crc32"
	"net/http"
	"net/url"
	"time"
)

// Entry is a buffered response as held in a bucket.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func NewEntry(status int, header http.Header, body []byte) Entry {
	ent := Entry{
		Status:   status,
		Header:   cloneHeader(header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

// OK reports a 2xx status.
func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// Clone returns a deep copy. Bodies handed to the writer goroutine must not share
// memory with bytes still being written to a client.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	out.Body = append([]byte(nil), e.Body...)
	return out
}

func BucketName(app string, version int) string {
	return fmt.Sprintf("%s-cache-v%d", app, version)
}

// RequestKey returns the bucket key for r. Only GET requests have one.
func RequestKey(r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		return "", false
	}
	return keyOf(r.URL), true
}

// KeyForURL returns the bucket key for a same-origin URL such as "/app.css?v=2".
func KeyForURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return keyOf(u), nil
}

func keyOf(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

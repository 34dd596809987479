package queue

import (
	"fmt"
	"strings"
)

// Kind is the type of mutation held in the queue.
type Kind string

const (
	KindBooking Kind = "booking"
	KindOrder   Kind = "order"
)

type kindRoute struct {
	partition string
	endpoint  string
	tag       string
}

var kinds = map[Kind]kindRoute{
	KindBooking: {partition: "offline-bookings", endpoint: "/api/bookings", tag: "sync-bookings"},
	KindOrder:   {partition: "offline-orders", endpoint: "/api/orders", tag: "sync-orders"},
}

// Kinds returns every known kind in a stable order.
func Kinds() []Kind { return []Kind{KindBooking, KindOrder} }

// ParseKind accepts the singular or plural name ("booking", "bookings").
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	if _, ok := kinds[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Partition is the kv partition holding pending mutations of this kind.
func (k Kind) Partition() string { return kinds[k].partition }

// Endpoint is the origin path the payloads are POSTed to.
func (k Kind) Endpoint() string { return kinds[k].endpoint }

// Tag is the background sync tag that flushes this kind.
func (k Kind) Tag() string { return kinds[k].tag }

func KindForTag(tag string) (Kind, bool) {
	for k, route := range kinds {
		if route.tag == tag {
			return k, true
		}
	}
	return "", false
}

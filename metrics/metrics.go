// Package metrics holds the small amount of glue shared by the packages that
// export prometheus collectors.
package metrics

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every collector name exported by this module.
const Namespace = "tripcache"

// Register registers c with reg and returns the collector that is actually
// live. When an identical collector was registered earlier (two facades
// sharing one registry) the existing one is returned so both feed the same
// series. A nil reg leaves c unregistered, which is what tests want.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

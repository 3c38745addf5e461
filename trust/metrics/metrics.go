package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xrypton"

// Collectors are constructed eagerly so callers can always Inc; they only
// show up on the /metrics endpoint once RegisterMetrics ran.
var (
	KeyCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "key_cache_hits",
		Namespace: namespace,
		Subsystem: "trust",
		Help:      "Public key cache hits.",
	})

	KeyCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "key_cache_misses",
		Namespace: namespace,
		Subsystem: "trust",
		Help:      "Public key cache misses.",
	})

	KeyRotationsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "key_rotations_detected",
		Namespace: namespace,
		Subsystem: "trust",
		Help:      "Counterparty key changes detected on refresh.",
	})

	KeyRotationsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "key_rotations_accepted",
		Namespace: namespace,
		Subsystem: "trust",
		Help:      "Key changes accepted by the user.",
	})

	KeyRotationsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "key_rotations_rejected",
		Namespace: namespace,
		Subsystem: "trust",
		Help:      "Key changes rejected by the user.",
	})

	WotCodesVerified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "wot_codes_verified",
			Namespace: namespace,
			Subsystem: "trust",
			Help:      "Scanned trust codes by verification outcome.",
		},
		[]string{"outcome"},
	)

	WotCertifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "wot_certifications",
		Namespace: namespace,
		Subsystem: "trust",
		Help:      "Certifications produced and uploaded.",
	})

	PushDecryptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "push_decryptions",
			Namespace: namespace,
			Subsystem: "trust",
			Help:      "Push notification decryption attempts by outcome.",
		},
		[]string{"outcome"},
	)

	ContentVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "content_verifications",
			Namespace: namespace,
			Subsystem: "trust",
			Help:      "External content signature checks by resulting level.",
		},
		[]string{"level"},
	)

	APIErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "api_errors",
			Namespace: namespace,
			Subsystem: "trust",
			Help:      "Backend and key server request failures by kind.",
		},
		[]string{"kind"},
	)

	ContentCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "content_cache_size",
		Namespace: namespace,
		Subsystem: "trust",
		Help:      "Entries in the content verification cache.",
	})
)

var Registered = false

func RegisterMetrics() {
	if Registered {
		return
	}
	Registered = true

	prometheus.MustRegister(KeyCacheHits)
	prometheus.MustRegister(KeyCacheMisses)
	prometheus.MustRegister(KeyRotationsDetected)
	prometheus.MustRegister(KeyRotationsAccepted)
	prometheus.MustRegister(KeyRotationsRejected)
	prometheus.MustRegister(WotCodesVerified)
	prometheus.MustRegister(WotCertifications)
	prometheus.MustRegister(PushDecryptions)
	prometheus.MustRegister(ContentVerifications)
	prometheus.MustRegister(APIErrors)
	prometheus.MustRegister(ContentCacheSize)
}

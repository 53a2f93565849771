package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultContentTypeOptions    = "nosniff"
)

// SecurityConfig sets the hardening headers attached to every response. The
// server renders no documents, so the defaults deny all embedding and
// resource loading. Zero-valued fields keep the default; set a field to "-"
// to omit that header.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	// StrictTransportSecurity is sent only on TLS requests.
	StrictTransportSecurity string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	headers := []struct {
		name  string
		value string
	}{
		{"Content-Security-Policy", effective.ContentSecurityPolicy},
		{"X-Frame-Options", effective.FrameOptions},
		{"Referrer-Policy", effective.ReferrerPolicy},
		{"X-Content-Type-Options", effective.ContentTypeOptions},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range headers {
			if h.value != "-" {
				w.Header().Set(h.name, h.value)
			}
		}
		if r.TLS != nil && effective.StrictTransportSecurity != "" {
			w.Header().Set("Strict-Transport-Security", effective.StrictTransportSecurity)
		}
		next.ServeHTTP(w, r)
	})
}

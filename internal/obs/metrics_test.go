package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/resources/7":             "/v1/resources/:id",
		"/v1/resources/7/history":     "/v1/resources/:id/history",
		"/v1/resources/7/unknown":     "/v1/resources/7/unknown",
		"/v1/requests/42":             "/v1/requests/:id",
		"/v1/requests/42/approve":     "/v1/requests/:id/approve",
		"/v1/actors/alice/balance":    "/v1/actors/:id/balance",
		"/v1/transfers":               "/v1/transfers",
		"/v1/requests/42?limit=10":    "/v1/requests/:id",
		"/v1/system/maintenance/exit": "/v1/system/maintenance/exit",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

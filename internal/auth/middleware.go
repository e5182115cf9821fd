package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"nexus/internal/models"
)

type ctxKey string

const principalKey ctxKey = "principal"

// Middleware extracts the authenticated principal from trusted headers
// set by the upstream identity proxy (session handling itself is out of
// scope). Requests without any role are rejected.
//
//	X-Auth-Subject:  opaque subject id
//	X-Auth-Roles:    comma-separated role names
//	X-Auth-Provider: numeric provider id (isp_provider / customer)
//	X-Auth-Customer: numeric customer id (customer role)
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Principal{Subject: r.Header.Get("X-Auth-Subject")}
		for _, raw := range strings.Split(r.Header.Get("X-Auth-Roles"), ",") {
			switch Role(strings.TrimSpace(raw)) {
			case RolePlatformOwner:
				p.Roles = append(p.Roles, RolePlatformOwner)
			case RoleISPProvider:
				p.Roles = append(p.Roles, RoleISPProvider)
			case RoleCustomer:
				p.Roles = append(p.Roles, RoleCustomer)
			}
		}
		if id, err := strconv.ParseUint(r.Header.Get("X-Auth-Provider"), 10, 64); err == nil {
			p.ProviderID = uint(id)
		}
		if id, err := strconv.ParseUint(r.Header.Get("X-Auth-Customer"), 10, 64); err == nil {
			p.CustomerID = uint(id)
		}

		if len(p.Roles) == 0 {
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "no recognized role", nil)
			return
		}
		if p.HasRole(RoleISPProvider) && p.ProviderID == 0 {
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "isp_provider requires provider id", nil)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the request principal. The zero principal (no
// roles) fails every capability check, so a missing value is safe.
func FromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey).(Principal)
	return p
}

// Package routing decides which AMap hosts serve a given upstream path.
//
// AMap spreads its API over several hosts and the split is not reliably
// documented: the JS SDK talks to webapi.amap.com for some endpoints while
// the web-service API lives on restapi.amap.com. A small prefix table maps
// each path to the hosts to try, most likely first.
package routing

import (
	"fmt"
	"net/url"
	"strings"

	"amap-proxy-go/internal/config"
)

// Host names one of the provider's base hosts.
type Host string

const (
	HostREST   Host = "rest"
	HostWebAPI Host = "webapi"
)

// Rule maps a path prefix to an ordered candidate list.
type Rule struct {
	Prefix string
	Hosts  []Host
}

// DefaultRules are the JS SDK endpoints known to live on webapi.amap.com.
// Only read endpoints are listed: a fallback replays the request on the
// next host, which is safe only when the call has no side effects.
var DefaultRules = []Rule{
	{Prefix: "v4/map/styles", Hosts: []Host{HostWebAPI, HostREST}},
	{Prefix: "v3/log/", Hosts: []Host{HostWebAPI, HostREST}},
}

// defaultHosts applies to paths matching no rule.
var defaultHosts = []Host{HostREST}

// Resolver evaluates the rule table.
type Resolver struct {
	rules []Rule
	bases map[Host]*url.URL
}

// NewResolver builds a Resolver from config. Configured rules replace
// DefaultRules when present.
func NewResolver(cfg *config.Config) (*Resolver, error) {
	rules := DefaultRules
	if len(cfg.Routing.Rules) > 0 {
		rules = make([]Rule, 0, len(cfg.Routing.Rules))
		for _, r := range cfg.Routing.Rules {
			hosts := make([]Host, len(r.Hosts))
			for i, h := range r.Hosts {
				hosts[i] = Host(h)
			}
			rules = append(rules, Rule{Prefix: strings.TrimPrefix(r.Prefix, "/"), Hosts: hosts})
		}
	}

	bases := make(map[Host]*url.URL, 2)
	for h, raw := range map[Host]string{
		HostREST:   cfg.Upstream.RESTBaseURL,
		HostWebAPI: cfg.Upstream.WebAPIBaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s base url: %w", h, err)
		}
		bases[h] = u
	}

	for _, r := range rules {
		for _, h := range r.Hosts {
			if _, ok := bases[h]; !ok {
				return nil, fmt.Errorf("rule %q: unknown host %q", r.Prefix, h)
			}
		}
	}

	return &Resolver{rules: rules, bases: bases}, nil
}

// Candidates returns the hosts to try for path, in order. The first
// matching rule wins.
func (r *Resolver) Candidates(path string) []Host {
	path = strings.TrimPrefix(path, "/")
	for _, rule := range r.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule.Hosts
		}
	}
	return defaultHosts
}

// BaseURL returns the base URL for h. The returned value is a copy.
func (r *Resolver) BaseURL(h Host) url.URL {
	return *r.bases[h]
}

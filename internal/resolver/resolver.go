// Package resolver picks the process to capture when the user has not
// chosen one: the running instance of the default web browser, or the
// helper process that actually renders its audio.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/petems/tapnote/internal/source"
	"github.com/rs/zerolog"
)

// ErrProducerNotFound is returned when no running process matches the
// default browser.
var ErrProducerNotFound = errors.New("default audio producer not found")

// AudioServiceMarker identifies the Chromium audio service utility process.
const AudioServiceMarker = "--utility-sub-type=audio.mojom.AudioService"

// DefaultHandler reports the bundle identity of the OS default handler for
// https URLs.
type DefaultHandler interface {
	DefaultBrowser(ctx context.Context) (string, error)
}

// SourceLister is satisfied by *source.Discoverer.
type SourceLister interface {
	ListProcessSources(ctx context.Context) []source.AudioSource
}

// HelperRule describes a browser whose audio is rendered outside the main
// process.
type HelperRule struct {
	Browser        string   // bundle id reported by the default handler
	Aliases        []string // other bundle ids the main process may carry
	HelperBundleID string   // bundle id of the renderer helper
	Marker         string   // command line flag of the audio process
}

func (r HelperRule) matches(bundleID string) bool {
	if strings.EqualFold(r.Browser, bundleID) {
		return true
	}
	for _, a := range r.Aliases {
		if strings.EqualFold(a, bundleID) {
			return true
		}
	}
	return false
}

// DefaultHelperRules covers the Chromium family on macOS and Linux.
var DefaultHelperRules = []HelperRule{
	{Browser: "com.google.Chrome", HelperBundleID: "com.google.Chrome.helper", Marker: AudioServiceMarker},
	{Browser: "com.microsoft.edgemac", HelperBundleID: "com.microsoft.edgemac.helper", Marker: AudioServiceMarker},
	{Browser: "com.brave.Browser", HelperBundleID: "com.brave.Browser.helper", Marker: AudioServiceMarker},
	{Browser: "org.chromium.Chromium", HelperBundleID: "org.chromium.Chromium.helper", Marker: AudioServiceMarker},
	{Browser: "com.vivaldi.Vivaldi", HelperBundleID: "com.vivaldi.Vivaldi.helper", Marker: AudioServiceMarker},
	{Browser: "google-chrome", Aliases: []string{"chrome"}, Marker: AudioServiceMarker},
	{Browser: "chromium", Aliases: []string{"chromium-browser"}, Marker: AudioServiceMarker},
	{Browser: "microsoft-edge", Aliases: []string{"msedge"}, Marker: AudioServiceMarker},
	{Browser: "brave-browser", Aliases: []string{"brave"}, Marker: AudioServiceMarker},
}

// Resolver maps the default browser to a running capture target.
type Resolver struct {
	handler DefaultHandler
	sources SourceLister
	rules   []HelperRule
	log     zerolog.Logger
}

// New creates a resolver using DefaultHelperRules.
func New(handler DefaultHandler, sources SourceLister, log zerolog.Logger) *Resolver {
	return &Resolver{
		handler: handler,
		sources: sources,
		rules:   DefaultHelperRules,
		log:     log,
	}
}

// WithRules replaces the helper rule table.
func (r *Resolver) WithRules(rules []HelperRule) *Resolver {
	r.rules = rules
	return r
}

// Resolve returns the process to capture. For browsers with a helper
// rule the audio process is preferred over the helper bundle, and the
// main process is never used.
func (r *Resolver) Resolve(ctx context.Context) (source.AudioSource, error) {
	browser, err := r.handler.DefaultBrowser(ctx)
	if err != nil {
		return source.AudioSource{}, fmt.Errorf("failed to resolve default browser: %w", err)
	}

	rule, hasRule := r.ruleFor(browser)
	r.log.Debug().Str("browser", browser).Bool("helper_rule", hasRule).Msg("Resolving default producer")

	var main, helper, marker *source.AudioSource
	procs := r.sources.ListProcessSources(ctx)
	for i := range procs {
		p := &procs[i]
		if p.IsAllApplications() || !p.Supported {
			continue
		}

		if !hasRule {
			if main == nil && strings.EqualFold(p.BundleID, browser) {
				main = p
			}
			continue
		}

		isHelper := rule.HelperBundleID != "" && strings.EqualFold(p.BundleID, rule.HelperBundleID)
		if !isHelper && !rule.matches(p.BundleID) {
			continue
		}
		switch {
		case rule.Marker != "" && strings.Contains(p.CommandLine, rule.Marker):
			if marker == nil {
				marker = p
			}
		case isHelper:
			if helper == nil {
				helper = p
			}
		}
	}

	for _, target := range []*source.AudioSource{marker, helper, main} {
		if target != nil {
			r.log.Info().Str("browser", browser).Str("name", target.Name).Int32("pid", target.PID).Msg("Resolved default producer")
			return *target, nil
		}
	}
	return source.AudioSource{}, fmt.Errorf("%w: %s", ErrProducerNotFound, browser)
}

func (r *Resolver) ruleFor(bundleID string) (HelperRule, bool) {
	for _, rule := range r.rules {
		if rule.matches(bundleID) {
			return rule, true
		}
	}
	return HelperRule{}, false
}

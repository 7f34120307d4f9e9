// Package registry manages who a node talks to: the brand endpoints registered
// on a governing node, and the single governing site a brand node is paired with.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/secret"
	"github.com/RegistryAccord/onemedia-go/internal/storage"
	"github.com/google/uuid"
)

var (
	// ErrUnknownSite is returned when a URL does not match any registered endpoint.
	ErrUnknownSite = errors.New("brand site is not registered")
	// ErrAlreadyConnected is returned when a brand node is asked to pair with a
	// second governing site.
	ErrAlreadyConnected = errors.New("already connected to another governing site")
	// ErrNotPaired is returned when a brand node has no governing site yet.
	ErrNotPaired = errors.New("brand site is not connected to a governing site")
	// ErrOriginMismatch is returned for requests from an origin other than the paired governing site.
	ErrOriginMismatch = errors.New("request origin does not match the governing site")
)

// ValidationError describes an endpoint rejected before anything was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Store is the persistence the registry needs.
type Store interface {
	storage.EndpointRegistry
	GetGoverningSiteURL(ctx context.Context) (string, error)
	SetGoverningSiteURL(ctx context.Context, url string) error
	ClearGoverningSiteURL(ctx context.Context) error
}

// Registry is the site registry of one node.
type Registry struct {
	store  Store
	sealer *secret.Sealer
}

// New creates a Registry. API keys are sealed with sealer before they are stored.
func New(store Store, sealer *secret.Sealer) *Registry {
	return &Registry{store: store, sealer: sealer}
}

// ValidateSiteURL checks that u is an absolute http(s) URL and returns it normalized.
func ValidateSiteURL(u string) (string, error) {
	u = strings.TrimSpace(u)
	if u == "" {
		return "", &ValidationError{Field: "url", Message: "is required"}
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", &ValidationError{Field: "url", Message: fmt.Sprintf("%q is not a valid site URL", u)}
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", &ValidationError{Field: "url", Message: "must not carry a query or fragment"}
	}
	return model.NormalizeSiteURL(u), nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ValidationError{Field: "name", Message: "is required"}
	}
	if utf8.RuneCountInString(name) > model.MaxEndpointNameLength {
		return "", &ValidationError{Field: "name", Message: fmt.Sprintf("must be at most %d characters", model.MaxEndpointNameLength)}
	}
	return name, nil
}

// List returns every endpoint in registration order with API keys masked.
func (r *Registry) List(ctx context.Context) ([]model.SharedSite, error) {
	eps, err := r.store.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.SharedSite, 0, len(eps))
	for _, ep := range eps {
		key, err := r.sealer.Open(ep.APIKey)
		if err != nil {
			return nil, fmt.Errorf("open api key of %s: %w", ep.URL, err)
		}
		out = append(out, model.SharedSite{ID: ep.ID, Name: ep.Name, URL: ep.URL, APIKey: secret.Mask(key)})
	}
	return out, nil
}

// Add registers a new endpoint.
func (r *Registry) Add(ctx context.Context, site model.SharedSite) (model.BrandEndpoint, error) {
	name, err := validateName(site.Name)
	if err != nil {
		return model.BrandEndpoint{}, err
	}
	u, err := ValidateSiteURL(site.URL)
	if err != nil {
		return model.BrandEndpoint{}, err
	}
	if strings.TrimSpace(site.APIKey) == "" {
		return model.BrandEndpoint{}, &ValidationError{Field: "api_key", Message: "is required"}
	}
	sealed, err := r.sealer.Seal(strings.TrimSpace(site.APIKey))
	if err != nil {
		return model.BrandEndpoint{}, err
	}

	ep := model.BrandEndpoint{ID: uuid.New().String(), Name: name, URL: u, APIKey: sealed}
	if err := r.store.CreateEndpoint(ctx, ep); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return model.BrandEndpoint{}, &ValidationError{Field: "url", Message: fmt.Sprintf("%s is already registered", u)}
		}
		return model.BrandEndpoint{}, err
	}
	return ep, nil
}

// Update changes an endpoint. An empty API key keeps the stored one.
func (r *Registry) Update(ctx context.Context, site model.SharedSite) (model.BrandEndpoint, error) {
	existing, err := r.store.GetEndpoint(ctx, site.ID)
	if err != nil {
		return model.BrandEndpoint{}, err
	}
	name, err := validateName(site.Name)
	if err != nil {
		return model.BrandEndpoint{}, err
	}
	u, err := ValidateSiteURL(site.URL)
	if err != nil {
		return model.BrandEndpoint{}, err
	}

	ep := model.BrandEndpoint{ID: existing.ID, Name: name, URL: u, APIKey: existing.APIKey}
	if key := strings.TrimSpace(site.APIKey); key != "" && !isMasked(key) {
		if ep.APIKey, err = r.sealer.Seal(key); err != nil {
			return model.BrandEndpoint{}, err
		}
	}
	if err := r.store.UpdateEndpoint(ctx, ep); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return model.BrandEndpoint{}, &ValidationError{Field: "url", Message: fmt.Sprintf("%s is already registered", u)}
		}
		return model.BrandEndpoint{}, err
	}
	return ep, nil
}

// isMasked reports whether key is a value List produced, echoed back by a client.
func isMasked(key string) bool {
	return strings.HasPrefix(key, "****")
}

// Remove deletes an endpoint.
func (r *Registry) Remove(ctx context.Context, id string) error {
	return r.store.DeleteEndpoint(ctx, id)
}

// Replace makes the registry equal to sites: entries with a known id are updated,
// entries without one are added, and endpoints missing from sites are removed.
// The whole list is validated before anything is written. It returns the targets
// whose URL or key changed, which callers health-check.
func (r *Registry) Replace(ctx context.Context, sites []model.SharedSite) ([]model.Target, error) {
	existing, err := r.store.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.BrandEndpoint, len(existing))
	for _, ep := range existing {
		byID[ep.ID] = ep
	}

	seen := make(map[string]bool, len(sites))
	keep := make(map[string]bool, len(sites))
	for i, site := range sites {
		if _, err := validateName(site.Name); err != nil {
			return nil, indexed(i, err)
		}
		u, err := ValidateSiteURL(site.URL)
		if err != nil {
			return nil, indexed(i, err)
		}
		key := strings.ToLower(u)
		if seen[key] {
			return nil, indexed(i, &ValidationError{Field: "url", Message: fmt.Sprintf("%s is listed twice", u)})
		}
		seen[key] = true

		if site.ID != "" {
			if _, ok := byID[site.ID]; !ok {
				return nil, indexed(i, &ValidationError{Field: "id", Message: fmt.Sprintf("unknown endpoint %s", site.ID)})
			}
			keep[site.ID] = true
		} else if strings.TrimSpace(site.APIKey) == "" {
			return nil, indexed(i, &ValidationError{Field: "api_key", Message: "is required"})
		}
	}

	// Removals first so a URL can move between entries
	for _, ep := range existing {
		if !keep[ep.ID] {
			if err := r.store.DeleteEndpoint(ctx, ep.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
		}
	}

	var changed []model.Target
	for _, site := range sites {
		var ep model.BrandEndpoint
		if site.ID == "" {
			ep, err = r.Add(ctx, site)
		} else {
			prev := byID[site.ID]
			ep, err = r.Update(ctx, site)
			if err == nil && model.SameSite(prev.URL, ep.URL) && prev.APIKey == ep.APIKey {
				continue
			}
		}
		if err != nil {
			return nil, err
		}
		t, err := r.target(ep)
		if err != nil {
			return nil, err
		}
		changed = append(changed, t)
	}
	return changed, nil
}

func indexed(i int, err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return &ValidationError{Field: fmt.Sprintf("shared_sites[%d].%s", i, verr.Field), Message: verr.Message}
	}
	return err
}

func (r *Registry) target(ep model.BrandEndpoint) (model.Target, error) {
	key, err := r.sealer.Open(ep.APIKey)
	if err != nil {
		return model.Target{}, fmt.Errorf("open api key of %s: %w", ep.URL, err)
	}
	return model.Target{Name: ep.Name, URL: ep.URL, APIKey: key}, nil
}

// Targets returns every registered endpoint, in registration order, ready for outbound calls.
func (r *Registry) Targets(ctx context.Context) ([]model.Target, error) {
	eps, err := r.store.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Target, 0, len(eps))
	for _, ep := range eps {
		t, err := r.target(ep)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Resolve finds the endpoint registered for siteURL.
func (r *Registry) Resolve(ctx context.Context, siteURL string) (model.Target, error) {
	eps, err := r.store.ListEndpoints(ctx)
	if err != nil {
		return model.Target{}, err
	}
	for _, ep := range eps {
		if model.SameSite(ep.URL, siteURL) {
			return r.target(ep)
		}
	}
	return model.Target{}, fmt.Errorf("%w: %s", ErrUnknownSite, siteURL)
}

// ResolveAll resolves each URL, keeping registry order rather than the order of urls.
// Unknown URLs are reported as failed sites.
func (r *Registry) ResolveAll(ctx context.Context, urls []string) ([]model.Target, []model.FailedSite, error) {
	all, err := r.Targets(ctx)
	if err != nil {
		return nil, nil, err
	}
	wanted := make(map[string]bool, len(urls))
	for _, u := range urls {
		wanted[strings.ToLower(model.NormalizeSiteURL(u))] = true
	}

	var targets []model.Target
	for _, t := range all {
		key := strings.ToLower(model.NormalizeSiteURL(t.URL))
		if wanted[key] {
			targets = append(targets, t)
			delete(wanted, key)
		}
	}

	var unknown []model.FailedSite
	for _, u := range urls {
		if wanted[strings.ToLower(model.NormalizeSiteURL(u))] {
			unknown = append(unknown, model.FailedSite{URL: u, Message: ErrUnknownSite.Error()})
		}
	}
	return targets, unknown, nil
}

// Governing returns the governing site a brand node is paired with, or "".
func (r *Registry) Governing(ctx context.Context) (string, error) {
	return r.store.GetGoverningSiteURL(ctx)
}

// Connect pairs a brand node with origin. It reports paired=true only when the
// pointer was empty and is now set.
func (r *Registry) Connect(ctx context.Context, origin string) (paired bool, err error) {
	u, err := ValidateSiteURL(origin)
	if err != nil {
		return false, err
	}
	current, err := r.store.GetGoverningSiteURL(ctx)
	if err != nil {
		return false, err
	}
	if current != "" {
		if model.SameSite(current, u) {
			return false, nil
		}
		return false, ErrAlreadyConnected
	}
	if err := r.store.SetGoverningSiteURL(ctx, u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return false, ErrAlreadyConnected
		}
		return false, err
	}
	return true, nil
}

// VerifyOrigin checks that origin is the paired governing site.
func (r *Registry) VerifyOrigin(ctx context.Context, origin string) error {
	current, err := r.store.GetGoverningSiteURL(ctx)
	if err != nil {
		return err
	}
	if current == "" {
		return ErrNotPaired
	}
	if origin == "" || !model.SameSite(current, origin) {
		return ErrOriginMismatch
	}
	return nil
}

// Disconnect clears the governing site pointer so the brand node can pair again.
func (r *Registry) Disconnect(ctx context.Context) error {
	return r.store.ClearGoverningSiteURL(ctx)
}

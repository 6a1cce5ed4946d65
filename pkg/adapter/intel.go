package adapter

import (
	"context"
	"net/http"
	"net/url"
)

// ReputationOutput is produced by the reputation stage.
type ReputationOutput struct {
	Domain            string   `json:"domain"`
	RiskTypes         []string `json:"risk_types"`
	ContentCategories []string `json:"content_categories"`
	PopularityRank    int      `json:"popularity_rank"`
}

type intelCategory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type intelDomain struct {
	Domain            string          `json:"domain"`
	RiskTypes         []intelCategory `json:"risk_types"`
	ContentCategories []intelCategory `json:"content_categories"`
	PopularityRank    int             `json:"popularity_rank"`
}

// ReputationAdapter looks the registrable domain up in Cloudflare's
// threat intelligence.
type ReputationAdapter struct {
	client *Client
}

// NewReputationAdapter creates the reputation stage adapter.
func NewReputationAdapter(client *Client) *ReputationAdapter {
	return &ReputationAdapter{client: client}
}

// Run implements Adapter.
func (a *ReputationAdapter) Run(ctx context.Context, target string, prior Evidence) (Output, error) {
	domain, err := lookupDomain(target, prior)
	if err != nil {
		return nil, err
	}

	var res intelDomain
	if err := a.client.do(ctx, request{
		op:        "domain intel",
		method:    http.MethodGet,
		path:      "intel/domain",
		query:     url.Values{"domain": {domain}},
		enveloped: true,
	}, &res); err != nil {
		return nil, err
	}

	out := &ReputationOutput{
		Domain:            domain,
		RiskTypes:         categoryNames(res.RiskTypes),
		ContentCategories: categoryNames(res.ContentCategories),
		PopularityRank:    res.PopularityRank,
	}

	return encode(out)
}

// lookupDomain prefers the registrable domain found by the metadata stage
// and falls back to extracting it from target.
func lookupDomain(target string, prior Evidence) (string, error) {
	if meta, ok := prior[StageMetadata]; ok {
		var m MetadataOutput
		if err := Decode(meta, &m); err == nil && m.RegistrableDomain != "" {
			return m.RegistrableDomain, nil
		}
	}

	m, err := ExtractMetadata(target)
	if err != nil {
		return "", err
	}

	return m.RegistrableDomain, nil
}

func categoryNames(categories []intelCategory) []string {
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, c.Name)
	}

	return names
}

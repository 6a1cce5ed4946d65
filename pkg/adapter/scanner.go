package adapter

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// MetadataOutput is produced by the metadata stage.
type MetadataOutput struct {
	URL               string `json:"url"`
	Scheme            string `json:"scheme"`
	Host              string `json:"host"`
	UnicodeHost       string `json:"unicode_host"`
	RegistrableDomain string `json:"registrable_domain"`
	PublicSuffix      string `json:"public_suffix"`
	Port              string `json:"port"`
	DefaultPort       bool   `json:"default_port"`
	IsIP              bool   `json:"is_ip"`
	IsIDN             bool   `json:"is_idn"`
	Path              string `json:"path"`
	ScanUUID          string `json:"scan_uuid"`
	ScanVisibility    string `json:"scan_visibility"`
}

// ScanOutput is produced by the scan stage.
type ScanOutput struct {
	ScanUUID    string   `json:"scan_uuid"`
	Status      string   `json:"status"`
	Malicious   bool     `json:"malicious"`
	Categories  []string `json:"categories"`
	PageURL     string   `json:"page_url"`
	PageDomain  string   `json:"page_domain"`
	PageIP      string   `json:"page_ip"`
	PageCountry string   `json:"page_country"`
	PageStatus  int      `json:"page_status"`
	PageTitle   string   `json:"page_title"`
}

// scanSubmission is the URL Scanner v2 response to a scan request.
type scanSubmission struct {
	UUID       string `json:"uuid"`
	API        string `json:"api"`
	Visibility string `json:"visibility"`
	URL        string `json:"url"`
	Message    string `json:"message"`
}

// scanResult holds the parts of a URL Scanner v2 result we use.
type scanResult struct {
	Task struct {
		UUID    string `json:"uuid"`
		Status  string `json:"status"`
		Success bool   `json:"success"`
	} `json:"task"`
	Page struct {
		URL     string `json:"url"`
		Domain  string `json:"domain"`
		IP      string `json:"ip"`
		Country string `json:"country"`
		Status  int    `json:"status"`
		Title   string `json:"title"`
	} `json:"page"`
	Verdicts struct {
		Overall struct {
			Malicious  bool     `json:"malicious"`
			Categories []string `json:"categories"`
		} `json:"overall"`
	} `json:"verdicts"`
}

// MetadataAdapter extracts local URL facts and submits the URL to the
// URL Scanner so that the scan stage can collect the report.
type MetadataAdapter struct {
	client     *Client
	visibility string
}

// NewMetadataAdapter creates the metadata stage adapter.
func NewMetadataAdapter(client *Client, visibility string) *MetadataAdapter {
	return &MetadataAdapter{client: client, visibility: visibility}
}

// Run implements Adapter.
func (a *MetadataAdapter) Run(ctx context.Context, target string, _ Evidence) (Output, error) {
	meta, err := ExtractMetadata(target)
	if err != nil {
		return nil, err
	}

	body := map[string]any{"url": target}
	if a.visibility != "" {
		body["visibility"] = a.visibility
	}

	var sub scanSubmission
	if err := a.client.do(ctx, request{
		op:     "submit scan",
		method: http.MethodPost,
		path:   "urlscanner/v2/scan",
		body:   body,
	}, &sub); err != nil {
		return nil, err
	}

	if sub.UUID == "" {
		return nil, Permanentf("submit scan: response has no uuid: %s", sub.Message)
	}

	meta.ScanUUID = sub.UUID
	meta.ScanVisibility = sub.Visibility

	return encode(meta)
}

// ExtractMetadata derives the local facts about target without any network
// access.
func ExtractMetadata(target string) (*MetadataOutput, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, Permanentf("parsing url: %w", err)
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return nil, Permanentf("url %q has no host", target)
	}

	meta := &MetadataOutput{
		URL:    target,
		Scheme: strings.ToLower(u.Scheme),
		Path:   u.EscapedPath(),
		Port:   u.Port(),
	}

	meta.DefaultPort = meta.Port == "" ||
		(meta.Scheme == "http" && meta.Port == "80") ||
		(meta.Scheme == "https" && meta.Port == "443")

	if ip := net.ParseIP(hostname); ip != nil {
		meta.Host = ip.String()
		meta.UnicodeHost = meta.Host
		meta.RegistrableDomain = meta.Host
		meta.IsIP = true

		return meta, nil
	}

	ascii, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		return nil, Permanentf("invalid host %q: %w", hostname, err)
	}

	unicode, err := idna.Lookup.ToUnicode(ascii)
	if err != nil {
		unicode = ascii
	}

	meta.Host = ascii
	meta.UnicodeHost = unicode
	meta.IsIDN = ascii != unicode || hasPunycodeLabel(ascii)

	suffix, _ := publicsuffix.PublicSuffix(ascii)
	meta.PublicSuffix = suffix

	if domain, err := publicsuffix.EffectiveTLDPlusOne(ascii); err == nil {
		meta.RegistrableDomain = domain
	} else {
		meta.RegistrableDomain = ascii
	}

	return meta, nil
}

func hasPunycodeLabel(host string) bool {
	for _, label := range strings.Split(host, ".") {
		if strings.HasPrefix(label, "xn--") {
			return true
		}
	}

	return false
}

// ScanAdapter collects the URL Scanner report for the scan submitted by the
// metadata stage.
type ScanAdapter struct {
	client *Client
}

// NewScanAdapter creates the scan stage adapter.
func NewScanAdapter(client *Client) *ScanAdapter {
	return &ScanAdapter{client: client}
}

// Run implements Adapter. A scan that has not finished yet returns 404,
// which is reported as transient so that the caller polls with backoff.
func (a *ScanAdapter) Run(ctx context.Context, _ string, prior Evidence) (Output, error) {
	var meta MetadataOutput
	if err := Decode(prior[StageMetadata], &meta); err != nil {
		return nil, Permanentf("reading metadata evidence: %w", err)
	}

	if meta.ScanUUID == "" {
		return nil, Permanentf("metadata evidence has no scan uuid")
	}

	var res scanResult

	err := a.client.do(ctx, request{
		op:     "get scan result",
		method: http.MethodGet,
		path:   "urlscanner/v2/result/" + url.PathEscape(meta.ScanUUID),
	}, &res)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, Transientf("scan %s not finished yet", meta.ScanUUID)
		}

		return nil, err
	}

	categories := res.Verdicts.Overall.Categories
	if categories == nil {
		categories = []string{}
	}

	return encode(&ScanOutput{
		ScanUUID:    meta.ScanUUID,
		Status:      res.Task.Status,
		Malicious:   res.Verdicts.Overall.Malicious,
		Categories:  categories,
		PageURL:     res.Page.URL,
		PageDomain:  res.Page.Domain,
		PageIP:      res.Page.IP,
		PageCountry: res.Page.Country,
		PageStatus:  res.Page.Status,
		PageTitle:   res.Page.Title,
	})
}

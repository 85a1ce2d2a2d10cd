// Package analysis turns a fetched HTTP response into ordered security findings.
package analysis

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/securescan/internal/scan"
)

// SecurityHeaders is the checklist of response headers every target should send.
// Findings for missing headers are emitted in this order.
var SecurityHeaders = []string{
	"content-security-policy",
	"x-frame-options",
	"x-xss-protection",
	"strict-transport-security",
	"x-content-type-options",
	"referrer-policy",
}

var headerSeverity = map[string]scan.Severity{
	"content-security-policy":   scan.SeverityMedium,
	"strict-transport-security": scan.SeverityMedium,
	"x-frame-options":           scan.SeverityLow,
	"x-content-type-options":    scan.SeverityLow,
	"x-xss-protection":          scan.SeverityInfo,
	"referrer-policy":           scan.SeverityInfo,
}

// Input is everything the engine looks at.
type Input struct {
	// TargetURL is the normalized URL that was requested.
	TargetURL  string
	StatusCode int
	Headers    http.Header
	Body       string
}

// Analyze computes findings for a response. It is pure: the same input always
// yields the same findings in the same order.
func Analyze(in Input) []scan.Finding {
	findings := make([]scan.Finding, 0, len(SecurityHeaders)+3)
	findings = append(findings, missingHeaders(in.Headers)...)
	findings = append(findings, documentFindings(in.TargetURL, in.Body)...)

	if in.StatusCode < 200 || in.StatusCode > 399 {
		findings = append(findings, scan.Finding{
			Kind:        scan.KindHTTPStatus,
			Severity:    scan.SeverityLow,
			Title:       fmt.Sprintf("Non-OK HTTP status: %d", in.StatusCode),
			Description: "The target answered with a status outside 200-399.",
			Location:    in.TargetURL,
		})
	}
	if !scan.IsSecure(in.TargetURL) {
		findings = append(findings, scan.Finding{
			Kind:        scan.KindInsecureTransport,
			Severity:    scan.SeverityHigh,
			Title:       "Target is not using HTTPS (heuristic)",
			Description: "The target URL does not use the https scheme; traffic may be readable in transit.",
			Location:    in.TargetURL,
		})
	}
	return findings
}

func missingHeaders(headers http.Header) []scan.Finding {
	var out []scan.Finding
	for _, name := range SecurityHeaders {
		if hasHeader(headers, name) {
			continue
		}
		out = append(out, scan.Finding{
			Kind:        scan.KindMissingHeader,
			Severity:    headerSeverity[name],
			Title:       "Missing header: " + name,
			Description: fmt.Sprintf("The response does not set the %s header.", name),
			Location:    "header:" + name,
		})
	}
	return out
}

// hasHeader matches names case-insensitively, including keys that were not
// stored in canonical form.
func hasHeader(headers http.Header, name string) bool {
	if _, ok := headers[http.CanonicalHeaderKey(name)]; ok {
		return true
	}
	for key := range headers {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}

// documentFindings parses the body as HTML. A body that is not HTML simply
// yields no forms and no meta tags.
func documentFindings(target, body string) []scan.Finding {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}

	var out []scan.Finding
	if forms := doc.Find("form").Length(); forms > 0 {
		out = append(out, scan.Finding{
			Kind:        scan.KindHTMLForm,
			Severity:    scan.SeverityInfo,
			Title:       fmt.Sprintf("Found %d HTML form(s).", forms),
			Description: "Forms accept user input and deserve CSRF and input-validation review.",
			Location:    target,
		})
	}

	doc.Find("meta[name]").Each(func(_ int, sel *goquery.Selection) {
		name, _ := sel.Attr("name")
		if !strings.Contains(strings.ToLower(name), "generator") {
			return
		}
		content, ok := sel.Attr("content")
		if !ok {
			return
		}
		out = append(out, scan.Finding{
			Kind:        scan.KindTechnology,
			Severity:    scan.SeverityInfo,
			Title:       "Technology info: " + content,
			Description: "A generator meta tag discloses the software that built the page.",
			Location:    "meta[name=" + name + "]",
		})
	})
	return out
}

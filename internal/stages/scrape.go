package stages

import (
	"context"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// maxScrapePages bounds how many subpages are followed while hunting for
// spend files. Transparency data usually sits one hop from the homepage.
const maxScrapePages = 4

// maxPageBytes caps how much of a page is read.
const maxPageBytes = 2 << 20

var (
	hrefRe      = regexp.MustCompile(`(?i)href\s*=\s*["']([^"'#]+)["']`)
	spendFileRe = regexp.MustCompile(`(?i)\.(csv|xlsx)(\?[^"']*)?$`)
)

// scrapeSpendLinks fetches the org website and likely transparency subpages,
// collecting links to CSV/XLSX spend files. Results are deduplicated and
// sorted for deterministic output.
func (d Deps) scrapeSpendLinks(ctx context.Context, website string) ([]string, error) {
	base, err := url.Parse(website)
	if err != nil {
		return nil, eris.Wrapf(err, "stages: parse website %q", website)
	}

	seen := make(map[string]bool)
	files := make(map[string]bool)
	queue := []string{website}

	for pages := 0; len(queue) > 0 && pages < maxScrapePages; pages++ {
		pageURL := queue[0]
		queue = queue[1:]
		if seen[pageURL] {
			pages--
			continue
		}
		seen[pageURL] = true

		links, err := d.fetchHrefs(ctx, pageURL)
		if err != nil {
			// Subpages may 404; only the first page is load-bearing.
			if pages == 0 {
				return nil, err
			}
			continue
		}

		for _, href := range links {
			abs := resolveURL(base, href)
			if abs == "" {
				continue
			}
			switch {
			case spendFileRe.MatchString(abs):
				files[abs] = true
			case isTransparencyPage(abs, base.Host) && !seen[abs]:
				queue = append(queue, abs)
			}
		}
	}

	out := make([]string, 0, len(files))
	for f := range files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func (d Deps) fetchHrefs(ctx context.Context, pageURL string) ([]string, error) {
	resp, err := d.Fetch.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, eris.Errorf("stages: fetch %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "stages: read %s", pageURL)
	}

	matches := hrefRe.FindAllStringSubmatch(string(body), -1)
	hrefs := make([]string, 0, len(matches))
	for _, m := range matches {
		hrefs = append(hrefs, m[1])
	}
	return hrefs, nil
}

// isTransparencyPage identifies same-host pages worth following.
func isTransparencyPage(abs, host string) bool {
	u, err := url.Parse(abs)
	if err != nil || u.Host != host {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.Contains(p, "transparen") ||
		strings.Contains(p, "spend") ||
		strings.Contains(p, "open-data") ||
		strings.Contains(p, "payments")
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" && abs.Scheme != "ftp" {
		return ""
	}
	return abs.String()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// SPDX-License-Identifier: AGPL-3.0-only
// Package posthook implements the post-completion metadata enrichment
// described in spec.md §4.7: on a successful job, fetch the page, scrape its
// title and Open Graph image, and attach both to the Job row. It is adapted
// from the teacher's jobs/metadata.go almost unchanged — same HTML
// tokenizer walk, same extension sniffing — but decoupled from the
// Manager god-object: it takes a *sql.DB, a thumbnails directory and a
// *broker.Broker instead of reaching into shared manager state, so the
// Scheduler can run it detached without handing it anything but what it
// needs.
package posthook

import (
	"crypto/tls"
	"database/sql"
	"fmt"
	"html"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	nethtml "golang.org/x/net/html"

	"low-tide/broker"
	"low-tide/store"
)

const (
	fetchTimeout    = 10 * time.Second
	imageTimeout    = 30 * time.Second
	maxBodyBytes    = 1024 * 1024
	maxImageBytes   = 5 * 1024 * 1024
	userAgentString = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Hook runs metadata enrichment for finished jobs.
type Hook struct {
	DB            *sql.DB
	ThumbnailsDir string
	Broker        *broker.Broker
}

func New(db *sql.DB, thumbnailsDir string, b *broker.Broker) *Hook {
	return &Hook{DB: db, ThumbnailsDir: thumbnailsDir, Broker: b}
}

// Run fetches urlStr, extracts its title and og:image, and updates jobID's
// row with whatever it finds. It never returns an error: every failure is
// logged and swallowed, per spec.md §4.7 — a slow or broken remote site
// must never affect job status or block the next queued job. Intended to
// be called with `go hook.Run(...)` right after a job transitions to
// success.
func (h *Hook) Run(jobID int64, urlStr string) {
	if !isPublicURL(urlStr) {
		log.Printf("posthook: job %d: refusing to fetch non-public url %s", jobID, urlStr)
		return
	}

	meta, err := fetchMetadata(urlStr)
	if err != nil {
		log.Printf("posthook: job %d: fetch metadata for %s: %v", jobID, urlStr, err)
		return
	}

	changed := false

	if meta.Title != "" {
		if h.shouldAdoptTitle(jobID, urlStr) {
			if err := store.UpdateJobTitle(h.DB, jobID, meta.Title); err != nil {
				log.Printf("posthook: job %d: update title: %v", jobID, err)
			} else {
				changed = true
			}
		}
	}

	if meta.ImageURL != "" {
		imgPath, err := h.downloadImage(jobID, meta.ImageURL)
		if err != nil {
			log.Printf("posthook: job %d: download image %s: %v", jobID, meta.ImageURL, err)
		} else if imgPath != "" {
			if err := store.UpdateJobImagePath(h.DB, jobID, imgPath); err != nil {
				log.Printf("posthook: job %d: update image path: %v", jobID, err)
			} else {
				changed = true
			}
		}
	}

	if changed && h.Broker != nil {
		j, err := store.GetJob(h.DB, jobID)
		if err == nil {
			h.Broker.PublishSnapshot(j)
		}
	}
}

// shouldAdoptTitle reports whether the job's current title is still the
// host+path fallback InsertJob assigned it, i.e. no earlier enrichment (or
// a previous post-completion run) has already given it a real title.
func (h *Hook) shouldAdoptTitle(jobID int64, urlStr string) bool {
	j, err := store.GetJob(h.DB, jobID)
	if err != nil {
		return false
	}
	return j.Title == store.DeriveTitle(urlStr)
}

type metadata struct {
	Title    string
	ImageURL string
}

func fetchMetadata(urlStr string) (*metadata, error) {
	client := &http.Client{
		Timeout:   fetchTimeout,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}

	req, err := http.NewRequest(http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgentString)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status code %d", resp.StatusCode)
	}

	return parseHTMLMetadata(io.LimitReader(resp.Body, maxBodyBytes), urlStr), nil
}

// parseHTMLMetadata walks the document as a token stream (rather than
// building a DOM) since all we need lives in <head>: the first <title> and
// any og:title/og:image meta tags. og: values win over the bare title.
func parseHTMLMetadata(r io.Reader, baseURL string) *metadata {
	z := nethtml.NewTokenizer(r)
	var pageTitle, ogTitle, imageURL string
	var inTitle bool

	finish := func() *metadata {
		title := ogTitle
		if title == "" {
			title = pageTitle
		}
		return &metadata{
			Title:    strings.TrimSpace(title),
			ImageURL: resolveImageURL(imageURL, baseURL),
		}
	}

	for {
		switch z.Next() {
		case nethtml.ErrorToken:
			return finish()

		case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
			t := z.Token()
			switch t.Data {
			case "title":
				inTitle = true
			case "meta":
				var prop, content string
				for _, a := range t.Attr {
					switch a.Key {
					case "property":
						prop = a.Val
					case "content":
						content = a.Val
					}
				}
				if prop == "og:title" && content != "" {
					ogTitle = content
				} else if prop == "og:image" && content != "" {
					imageURL = content
				}
			}

		case nethtml.TextToken:
			if inTitle {
				pageTitle = html.UnescapeString(z.Token().Data)
				inTitle = false
			}

		case nethtml.EndTagToken:
			t := z.Token()
			if t.Data == "title" {
				inTitle = false
			}
			if t.Data == "head" {
				return finish()
			}
		}
	}
}

// downloadImage fetches imageURL into ThumbnailsDir/{jobID}.{ext}, returning
// a path relative to ThumbnailsDir for storage in the Job row.
func (h *Hook) downloadImage(jobID int64, imageURL string) (string, error) {
	if err := os.MkdirAll(h.ThumbnailsDir, 0o755); err != nil {
		return "", fmt.Errorf("create thumbnails dir: %w", err)
	}

	client := &http.Client{
		Timeout:   imageTimeout,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}

	resp, err := client.Get(imageURL)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image download failed with status code %d", resp.StatusCode)
	}

	ext := imageExtension(resp.Header.Get("Content-Type"), imageURL)
	if ext == "" {
		return "", fmt.Errorf("unsupported image type")
	}

	fileName := fmt.Sprintf("%d%s", jobID, ext)
	dst := filepath.Join(h.ThumbnailsDir, fileName)

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create image file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxImageBytes)); err != nil {
		return "", fmt.Errorf("save image data: %w", err)
	}

	return fileName, nil
}

func imageExtension(contentType, imageURL string) string {
	switch strings.ToLower(contentType) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	}

	u, err := url.Parse(imageURL)
	if err != nil {
		return ""
	}
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg":
		return ext
	default:
		return ""
	}
}

// isPublicURL reports whether urlStr's host resolves only to public,
// routable addresses, guarding fetchMetadata's outbound GET against SSRF
// via a job URL pointing at loopback/link-local/private/CGNAT space.
func isPublicURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		log.Printf("isPublicURL: lookup failed for %s: %v", host, err)
		return false
	}
	if len(ips) == 0 {
		return false
	}
	for _, ip := range ips {
		if !isPublicIP(ip) {
			return false
		}
	}
	return true
}

func isPublicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return false
	}

	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return false
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return false
		case ip4[0] == 192 && ip4[1] == 168:
			return false
		case ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127: // CGNAT
			return false
		}
	} else if ip6 := ip.To16(); ip6 != nil {
		// IPv6 Unique Local Address (ULA) - fc00::/7
		if ip6[0]&0xfe == 0xfc {
			return false
		}
	}

	return true
}

func resolveImageURL(imageURL, baseURL string) string {
	if imageURL == "" {
		return ""
	}
	if strings.HasPrefix(imageURL, "http://") || strings.HasPrefix(imageURL, "https://") {
		return imageURL
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return imageURL
	}
	if strings.HasPrefix(imageURL, "//") {
		return base.Scheme + ":" + imageURL
	}

	resolved, err := base.Parse(imageURL)
	if err != nil {
		return imageURL
	}
	return resolved.String()
}

package captcha

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"
)

// Detector scans a page for known captcha and bot-detection signatures.
type Detector struct {
	log *logrus.Entry
}

// NewDetector creates a detector logging through the given logger.
func NewDetector(logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Detector{
		log: logger.WithField("component", "captcha-detector"),
	}
}

// Detect inspects the page content and its cookies for challenge markers and
// returns the detected challenge types in solve-priority order. An empty
// result means the page is not gated.
func (d *Detector) Detect(page playwright.Page) ([]Detection, error) {
	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page content: %w", err)
	}

	found := map[Type]Detection{}
	record := func(t Type, siteKey string) {
		existing, ok := found[t]
		if !ok || (existing.SiteKey == "" && siteKey != "") {
			found[t] = Detection{Type: t, SiteKey: siteKey}
		}
	}
	seen := func(t Type) bool {
		_, ok := found[t]
		return ok
	}

	d.scanRecaptcha(doc, record)
	d.scanHCaptcha(doc, record)
	d.scanFunCaptcha(doc, record)
	d.scanGeeTest(doc, record)
	d.scanTurnstile(doc, record)
	d.scanCloudflare(doc, record)
	d.scanGlobals(page, record, seen)
	d.scanCookies(page, record)

	detections := make([]Detection, 0, len(found))
	for _, t := range solvePriority {
		if det, ok := found[t]; ok {
			detections = append(detections, det)
		}
	}

	if len(detections) > 0 {
		d.log.WithFields(logrus.Fields{
			"url":   page.URL(),
			"count": len(detections),
		}).Debug("challenge markers detected")
	}
	return detections, nil
}

func (d *Detector) scanRecaptcha(doc *goquery.Document, record func(Type, string)) {
	// v2 widget: explicit container with a sitekey, or the anchor iframe.
	doc.Find(".g-recaptcha[data-sitekey]").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("data-sitekey")
		record(TypeRecaptchaV2, key)
	})
	doc.Find("iframe[src*='google.com/recaptcha/api2']").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		record(TypeRecaptchaV2, queryParam(src, "k"))
	})

	// v3 loads api.js with a render= sitekey and shows only a badge.
	doc.Find("script[src*='recaptcha/api.js']").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if key := queryParam(src, "render"); key != "" && key != "explicit" {
			record(TypeRecaptchaV3, key)
		}
	})
	if doc.Find(".grecaptcha-badge").Length() > 0 {
		record(TypeRecaptchaV3, "")
	}
}

func (d *Detector) scanHCaptcha(doc *goquery.Document, record func(Type, string)) {
	doc.Find(".h-captcha[data-sitekey], [data-hcaptcha-sitekey]").Each(func(_ int, s *goquery.Selection) {
		key, ok := s.Attr("data-sitekey")
		if !ok {
			key, _ = s.Attr("data-hcaptcha-sitekey")
		}
		record(TypeHCaptcha, key)
	})
	doc.Find("iframe[src*='hcaptcha.com']").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		record(TypeHCaptcha, queryParam(src, "sitekey"))
	})
}

func (d *Detector) scanFunCaptcha(doc *goquery.Document, record func(Type, string)) {
	doc.Find("[data-pkey]").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("data-pkey")
		record(TypeFunCaptcha, key)
	})
	if doc.Find("iframe[src*='arkoselabs.com'], #funcaptcha, input[name='fc-token']").Length() > 0 {
		record(TypeFunCaptcha, "")
	}
}

func (d *Detector) scanGeeTest(doc *goquery.Document, record func(Type, string)) {
	doc.Find("[data-gt]").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("data-gt")
		record(TypeGeeTest, key)
	})
	if doc.Find(".geetest_captcha, .geetest_holder, script[src*='geetest.com']").Length() > 0 {
		record(TypeGeeTest, "")
	}
}

func (d *Detector) scanTurnstile(doc *goquery.Document, record func(Type, string)) {
	doc.Find(".cf-turnstile[data-sitekey]").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("data-sitekey")
		record(TypeTurnstile, key)
	})
	if doc.Find("iframe[src*='challenges.cloudflare.com/turnstile']").Length() > 0 {
		record(TypeTurnstile, "")
	}
}

func (d *Detector) scanCloudflare(doc *goquery.Document, record func(Type, string)) {
	if doc.Find("#challenge-form, #cf-challenge-running, #challenge-running, #cf-please-wait").Length() > 0 {
		record(TypeCloudflareChallenge, "")
		return
	}
	title := strings.ToLower(doc.Find("title").Text())
	if strings.Contains(title, "just a moment") || strings.Contains(title, "attention required") {
		record(TypeCloudflareChallenge, "")
	}
}

// scanGlobals probes the widget JS globals, catching widgets rendered into
// the DOM after the initial document. Evaluation failures are ignored, the
// DOM scan remains authoritative.
func (d *Detector) scanGlobals(page playwright.Page, record func(Type, string), seen func(Type) bool) {
	result, err := page.Evaluate(`() => ({
		grecaptcha: typeof grecaptcha !== 'undefined',
		hcaptcha: typeof hcaptcha !== 'undefined',
		turnstile: typeof turnstile !== 'undefined',
	})`)
	if err != nil {
		return
	}
	globals, ok := result.(map[string]interface{})
	if !ok {
		return
	}
	// The grecaptcha global is shared between v2 and v3; with a v3 marker
	// already found, the global adds nothing.
	if present, _ := globals["grecaptcha"].(bool); present && !seen(TypeRecaptchaV3) {
		record(TypeRecaptchaV2, "")
	}
	if present, _ := globals["hcaptcha"].(bool); present {
		record(TypeHCaptcha, "")
	}
	if present, _ := globals["turnstile"].(bool); present {
		record(TypeTurnstile, "")
	}
}

// scanCookies looks for challenge-in-progress cookies. Cookie read failures
// are ignored, the DOM scan remains authoritative.
func (d *Detector) scanCookies(page playwright.Page, record func(Type, string)) {
	ctx := page.Context()
	if ctx == nil {
		return
	}
	cookies, err := ctx.Cookies(page.URL())
	if err != nil {
		d.log.WithError(err).Debug("cookie scan skipped")
		return
	}
	for _, c := range cookies {
		if strings.HasPrefix(c.Name, "__cf_chl") {
			record(TypeCloudflareChallenge, "")
		}
	}
}

// queryParam extracts one query parameter from a raw URL, tolerating
// malformed input.
func queryParam(rawURL, name string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(name)
}

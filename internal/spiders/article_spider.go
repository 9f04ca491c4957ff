package spiders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/spider"
)

func init() {
	defaultRegistry.Register("article_spider", NewArticleSpider)
}

// ErrSpiderConfig marks a project config the spider cannot run with.
var ErrSpiderConfig = errors.New("article spider config")

// ArticleSpider is a selector-driven article crawler. The project config
// supplies the site specifics:
//
//	start_urls        list of list-page URLs
//	link_selector     CSS selector for detail links on a list page
//	next_selector     CSS selector for the next-page link (optional)
//	title_selector    CSS selector for the article title
//	content_selector  CSS selector for the article body paragraphs
type ArticleSpider struct {
	project *domain.Project

	startURLs       []string
	linkSelector    string
	nextSelector    string
	titleSelector   string
	contentSelector string
}

// NewArticleSpider builds an ArticleSpider from a project row.
func NewArticleSpider(project *domain.Project) (spider.Spider, error) {
	s := &ArticleSpider{
		project:         project,
		startURLs:       configStrings(project.Config, "start_urls"),
		linkSelector:    configString(project.Config, "link_selector"),
		nextSelector:    configString(project.Config, "next_selector"),
		titleSelector:   configString(project.Config, "title_selector"),
		contentSelector: configString(project.Config, "content_selector"),
	}

	if len(s.startURLs) == 0 {
		return nil, fmt.Errorf("%w: start_urls is empty", ErrSpiderConfig)
	}
	if s.linkSelector == "" || s.titleSelector == "" || s.contentSelector == "" {
		return nil, fmt.Errorf("%w: link, title and content selectors are required", ErrSpiderConfig)
	}
	return s, nil
}

// Name implements spider.Spider.
func (s *ArticleSpider) Name() string {
	return "article_spider"
}

// StartRequests yields one detail-less request per configured list URL.
func (s *ArticleSpider) StartRequests(_ context.Context) spider.RequestIterator {
	reqs := make([]*spider.Request, 0, len(s.startURLs))
	for _, u := range s.startURLs {
		req := spider.NewRequest(u)
		req.Callback = "parse"
		reqs = append(reqs, req)
	}
	return spider.SliceIterator(reqs)
}

// Callbacks implements spider.Spider.
func (s *ArticleSpider) Callbacks() map[string]spider.Callback {
	return map[string]spider.Callback{
		"parse":        s.parse,
		"parse_detail": s.parseDetail,
	}
}

// parse handles a list page: follow every detail link with elevated priority,
// then the next page at list priority.
func (s *ArticleSpider) parse(_ context.Context, _ *spider.Request, resp *spider.Response) ([]spider.Yield, error) {
	var yields []spider.Yield

	resp.CSS(s.linkSelector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		req := resp.Follow(href, "parse_detail")
		req.Priority = 10
		yields = append(yields, spider.YieldRequest(req))
	})

	if s.nextSelector != "" {
		if href, ok := resp.CSS(s.nextSelector).First().Attr("href"); ok && href != "" {
			yields = append(yields, spider.YieldRequest(resp.Follow(href, "parse")))
		}
	}

	return yields, nil
}

// parseDetail extracts one article from a detail page.
func (s *ArticleSpider) parseDetail(_ context.Context, _ *spider.Request, resp *spider.Response) ([]spider.Yield, error) {
	title := strings.TrimSpace(resp.CSS(s.titleSelector).First().Text())

	var paragraphs []string
	resp.CSS(s.contentSelector).Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	if title == "" && len(paragraphs) == 0 {
		return nil, nil
	}

	return []spider.Yield{
		spider.YieldItem(&domain.Item{
			Type:      domain.CrawlTypeArticle,
			Title:     title,
			Content:   strings.Join(paragraphs, "\n"),
			SourceURL: resp.URL,
		}),
	}, nil
}

// configString reads one string key from the project config.
func configString(cfg domain.JSONBMap, key string) string {
	if v, ok := cfg[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// configStrings reads a string-list key from the project config.
func configStrings(cfg domain.JSONBMap, key string) []string {
	raw, ok := cfg[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, sok := v.(string); sok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

package spiders

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/spider"
)

func articleProject() *domain.Project {
	return &domain.Project{
		ID: 1,
		Config: domain.JSONBMap{
			"start_urls":       []any{"https://news.example.com/list"},
			"link_selector":    ".list a.item",
			"next_selector":    "a.next",
			"title_selector":   "h1.title",
			"content_selector": ".content p",
		},
	}
}

func TestNewArticleSpiderConfigValidation(t *testing.T) {
	_, err := NewArticleSpider(articleProject())
	require.NoError(t, err)

	missing := articleProject()
	delete(missing.Config, "start_urls")
	_, err = NewArticleSpider(missing)
	assert.ErrorIs(t, err, ErrSpiderConfig)

	missing = articleProject()
	missing.Config["title_selector"] = ""
	_, err = NewArticleSpider(missing)
	assert.ErrorIs(t, err, ErrSpiderConfig)
}

func TestArticleSpiderStartRequests(t *testing.T) {
	project := articleProject()
	project.Config["start_urls"] = []any{
		"https://news.example.com/list",
		"https://news.example.com/tech",
	}

	sp, err := NewArticleSpider(project)
	require.NoError(t, err)

	iter := sp.StartRequests(context.Background())
	var urls []string
	for {
		req, ok := iter()
		if !ok {
			break
		}
		assert.Equal(t, "parse", req.Callback)
		urls = append(urls, req.URL)
	}
	assert.Equal(t, []string{
		"https://news.example.com/list",
		"https://news.example.com/tech",
	}, urls)
}

func TestArticleSpiderParse(t *testing.T) {
	sp, err := NewArticleSpider(articleProject())
	require.NoError(t, err)

	resp := &spider.Response{
		URL: "https://news.example.com/list",
		Body: []byte(`<html><body>
			<div class="list">
				<a class="item" href="/article/1">one</a>
				<a class="item" href="/article/2">two</a>
				<a class="item" href="">empty</a>
			</div>
			<a class="next" href="/list?page=2">下一页</a>
		</body></html>`),
	}

	yields, err := sp.Callbacks()["parse"](context.Background(), nil, resp)
	require.NoError(t, err)
	require.Len(t, yields, 3)

	assert.Equal(t, "https://news.example.com/article/1", yields[0].Request.URL)
	assert.Equal(t, "parse_detail", yields[0].Request.Callback)
	assert.Equal(t, 10, yields[0].Request.Priority, "detail pages outrank list pages")

	next := yields[2].Request
	assert.Equal(t, "https://news.example.com/list?page=2", next.URL)
	assert.Equal(t, "parse", next.Callback)
	assert.Zero(t, next.Priority)
}

func TestArticleSpiderParseDetail(t *testing.T) {
	sp, err := NewArticleSpider(articleProject())
	require.NoError(t, err)

	resp := &spider.Response{
		URL: "https://news.example.com/article/1",
		Body: []byte(`<html><body>
			<h1 class="title"> 新闻标题 </h1>
			<div class="content">
				<p>第一段正文内容。</p>
				<p>  </p>
				<p>第二段正文内容。</p>
			</div>
		</body></html>`),
	}

	yields, err := sp.Callbacks()["parse_detail"](context.Background(), nil, resp)
	require.NoError(t, err)
	require.Len(t, yields, 1)

	item := yields[0].Item
	assert.Equal(t, domain.CrawlTypeArticle, item.Type)
	assert.Equal(t, "新闻标题", item.Title)
	assert.Equal(t, "第一段正文内容。\n第二段正文内容。", item.Content)
	assert.Equal(t, "https://news.example.com/article/1", item.SourceURL)
}

func TestArticleSpiderParseDetailEmptyPage(t *testing.T) {
	sp, err := NewArticleSpider(articleProject())
	require.NoError(t, err)

	resp := &spider.Response{
		URL:  "https://news.example.com/article/1",
		Body: []byte(`<html><body><div class="unrelated"></div></body></html>`),
	}

	yields, err := sp.Callbacks()["parse_detail"](context.Background(), nil, resp)
	require.NoError(t, err)
	assert.Empty(t, yields, "pages the selectors miss yield nothing")
}

func TestDefaultRegistryHasArticleSpider(t *testing.T) {
	sp, err := Default().Resolve(&domain.Project{
		EntryFile: "article_spider.py",
		Config:    articleProject().Config,
	})
	require.NoError(t, err)
	assert.Equal(t, "article_spider", sp.Name())
}

package spider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html><body>
<h1 class="title">标题一</h1>
<div class="links">
	<a href="/article/1">one</a>
	<a href="/article/2">two</a>
</div>
</body></html>`

func TestResponseCSS(t *testing.T) {
	resp := &Response{URL: "https://example.com/list", Body: []byte(samplePage)}

	assert.Equal(t, "标题一", resp.CSS("h1.title").Text())
	assert.Equal(t, 2, resp.CSS(".links a").Length())
}

func TestResponseXPath(t *testing.T) {
	resp := &Response{URL: "https://example.com/list", Body: []byte(samplePage)}

	nodes, err := resp.XPath(`//div[@class="links"]/a`)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestResponseJSON(t *testing.T) {
	resp := &Response{Body: []byte(`{"data":{"items":[{"id":7}]}}`)}
	assert.Equal(t, int64(7), resp.JSON("data.items.0.id").Int())
}

func TestFollowResolvesRelativeURL(t *testing.T) {
	origin := NewRequest("https://example.com/list?page=1")
	origin.Meta = map[string]any{"depth": 1}

	resp := &Response{URL: "https://example.com/list?page=1", Request: origin}
	req := resp.Follow("/article/9", "parse_detail")

	assert.Equal(t, "https://example.com/article/9", req.URL)
	assert.Equal(t, "parse_detail", req.Callback)
	assert.Equal(t, 1, req.Meta["depth"], "meta is inherited")

	req.Meta["depth"] = 2
	assert.Equal(t, 1, origin.Meta["depth"], "inherited meta is a copy")
}

// Package search proxies EU AI Act article search to Elasticsearch.
package search

// Request is the body of POST /api/search.
type Request struct {
	Query    string `json:"query"`
	Rerank   bool   `json:"rerank"`
	Language string `json:"language,omitempty"`
}

// Response is returned by POST /api/search. Took is in milliseconds.
type Response struct {
	Results  []Result `json:"results"`
	Query    string   `json:"query"`
	Reranked bool     `json:"reranked"`
	Took     int64    `json:"took"`
}

// Result is one article hit.
type Result struct {
	ID            string  `json:"id"`
	ArticleNumber string  `json:"article_number"`
	Title         string  `json:"title"`
	Text          string  `json:"text"`
	Score         float64 `json:"score"`
	Language      string  `json:"language,omitempty"`
	URL           string  `json:"url,omitempty"`
}

// IndexStatus describes the demo index.
type IndexStatus struct {
	IndexName    string `json:"indexName"`
	IndexExists  bool   `json:"indexExists"`
	TotalDocs    int64  `json:"totalDocs"`
	EnCount      int64  `json:"enCount"`
	DeCount      int64  `json:"deCount"`
	HasVisionKey bool   `json:"hasVisionKey"`
}

// Indicator is how an article moved between naive and reranked results.
type Indicator string

const (
	IndicatorUp   Indicator = "up"
	IndicatorDown Indicator = "down"
	IndicatorSame Indicator = "same"
	IndicatorNew  Indicator = "new"
)

// Movement is the rank change of one reranked article. NaiveRank is 0
// when the article was not in the naive results.
type Movement struct {
	ArticleNumber string    `json:"articleNumber"`
	NaiveRank     int       `json:"naiveRank,omitempty"`
	RerankedRank  int       `json:"rerankedRank"`
	Delta         int       `json:"delta"`
	Indicator     Indicator `json:"indicator"`
}

// Compare reports, for each reranked result in order, how far it moved
// relative to its naive rank. Positive deltas moved up.
func Compare(naive, reranked []Result) []Movement {
	naiveRanks := make(map[string]int, len(naive))
	for i, r := range naive {
		if _, seen := naiveRanks[r.ArticleNumber]; !seen {
			naiveRanks[r.ArticleNumber] = i + 1
		}
	}

	out := make([]Movement, 0, len(reranked))
	for i, r := range reranked {
		m := Movement{ArticleNumber: r.ArticleNumber, RerankedRank: i + 1}
		naiveRank, ok := naiveRanks[r.ArticleNumber]
		switch {
		case !ok:
			m.Indicator = IndicatorNew
		default:
			m.NaiveRank = naiveRank
			m.Delta = naiveRank - m.RerankedRank
			switch {
			case m.Delta > 0:
				m.Indicator = IndicatorUp
			case m.Delta < 0:
				m.Indicator = IndicatorDown
			default:
				m.Indicator = IndicatorSame
			}
		}
		out = append(out, m)
	}
	return out
}

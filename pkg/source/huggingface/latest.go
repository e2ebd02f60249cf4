package huggingface

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/source"
)

// LatestModels extracts the N most recently modified models, optionally
// narrowed by author or a Hub filter tag such as "text-generation".
type LatestModels struct {
	Client *Client
	Limit  int
	Author string
	Filter string
}

func (l *LatestModels) Name() string { return "latest_models" }

func (l *LatestModels) Extract(ctx context.Context) ([]common.RawRecord, error) {
	limit := l.Limit
	if limit <= 0 {
		limit = 10
	}

	q := url.Values{}
	q.Set("sort", "lastModified")
	q.Set("direction", "-1")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("full", "true")
	q.Set("cardData", "true")
	if l.Author != "" {
		q.Set("author", l.Author)
	}
	if l.Filter != "" {
		q.Set("filter", l.Filter)
	}
	endpoint := l.Client.baseURL + "/api/models?" + q.Encode()

	var listing []map[string]any
	id := common.NewEntityID(common.KindModel, "latest")
	if err := l.Client.getJSON(ctx, id, endpoint, &listing); err != nil {
		return nil, fmt.Errorf("list latest models: %w", err)
	}

	records := make([]common.RawRecord, 0, len(listing))
	for _, fields := range listing {
		rec := toRecord(common.KindModel, "", fields)
		if rec.SourceID() == "" {
			logger.Warn("[HF] Listing entry without id skipped")
			continue
		}
		records = append(records, rec)
	}
	logger.Info("[HF] Latest models listed", "count", len(records), "limit", limit)
	return records, nil
}

var _ source.Extractor = (*LatestModels)(nil)

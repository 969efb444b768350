package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"projectbot-core/internal/domain/entity"
)

type GoogleSearch struct {
	svc      *customsearch.Service
	engineID string
}

// NewGoogleSearch builds a Custom Search client. Extra options (endpoint,
// HTTP client) are passed through to the API client.
func NewGoogleSearch(ctx context.Context, apiKey, engineID string, opts ...option.ClientOption) (*GoogleSearch, error) {
	if apiKey == "" || engineID == "" {
		return nil, entity.ErrSearchDisabled
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating custom search service: %w", err)
	}
	return &GoogleSearch{svc: svc, engineID: engineID}, nil
}

func (g *GoogleSearch) Name() string { return "google" }

type pagemap struct {
	CSEImage []struct {
		Src string `json:"src"`
	} `json:"cse_image"`
}

func (g *GoogleSearch) Search(ctx context.Context, query string, numResults int, searchType string) ([]entity.SearchResult, error) {
	call := g.svc.Cse.List().Context(ctx).Q(query).Cx(g.engineID).Num(int64(numResults))
	if searchType != "" && searchType != "web" {
		call = call.SearchType(searchType)
	}

	res, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return nil, &entity.SearchStatusError{StatusCode: gerr.Code, Body: gerr.Message}
		}
		return nil, err
	}
	if res.HTTPStatusCode != 0 && res.HTTPStatusCode != http.StatusOK {
		return nil, &entity.SearchStatusError{StatusCode: res.HTTPStatusCode}
	}

	out := make([]entity.SearchResult, 0, len(res.Items))
	for _, item := range res.Items {
		r := entity.SearchResult{Title: item.Title, URL: item.Link, Snippet: item.Snippet}
		if len(item.Pagemap) > 0 {
			var pm pagemap
			if json.Unmarshal(item.Pagemap, &pm) == nil && len(pm.CSEImage) > 0 {
				r.ImageURL = pm.CSEImage[0].Src
			}
		}
		out = append(out, r)
	}
	return out, nil
}

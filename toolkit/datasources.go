package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/okcvm/okcvm/external"
	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
)

// DataSourceAPI describes one callable operation on a DataSource.
type DataSourceAPI struct {
	Description string
	Parameters  map[string]string
}

// DataSource describes a named external data provider, grounded on
// tools/data_sources.py's DATA_SOURCES table.
type DataSource struct {
	Name        string
	Description string
	APIs        map[string]DataSourceAPI
}

func (d DataSource) serialize() map[string]any {
	apis := make(map[string]any, len(d.APIs))
	for name, api := range d.APIs {
		apis[name] = map[string]any{"description": api.Description, "parameters": api.Parameters}
	}
	return map[string]any{"name": d.Name, "description": d.Description, "apis": apis}
}

var dataSources = map[string]DataSource{
	"yahoo_finance": {
		Name: "yahoo_finance",
		Description: "Yahoo Finance provides free market data including quotes, company profiles, " +
			"and historical information.",
		APIs: map[string]DataSourceAPI{
			"quote": {
				Description: "Fetch the latest market quote for one or more tickers.",
				Parameters:  map[string]string{"symbol": "Ticker symbol to query (e.g. AAPL)"},
			},
		},
	},
}

// GetDataSourceDescTool implements mshtools-get_data_source_desc.
type GetDataSourceDescTool struct{}

// NewGetDataSourceDescTool constructs a GetDataSourceDescTool.
func NewGetDataSourceDescTool() toolregistry.Tool { return GetDataSourceDescTool{} }

// Call implements toolregistry.Tool.
func (GetDataSourceDescTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	source, _ := args["data_source"].(string)
	if source == "" {
		source, _ = args["name"].(string)
	}
	if source == "" {
		return toolspec.Fail("'data_source' is required")
	}
	ds, ok := dataSources[source]
	if !ok {
		return toolspec.Fail(fmt.Sprintf("unknown data source %q", source))
	}
	return toolspec.Ok(fmt.Sprintf("Found data source %s", source), ds.serialize())
}

// GetDataSourceTool implements mshtools-get_data_source.
type GetDataSourceTool struct{ client *external.Client }

// NewGetDataSourceTool constructs a GetDataSourceTool using client for
// outbound requests.
func NewGetDataSourceTool(client *external.Client) toolregistry.Tool {
	return &GetDataSourceTool{client: client}
}

type yahooQuoteResponse struct {
	QuoteResponse struct {
		Result []map[string]any `json:"result"`
	} `json:"quoteResponse"`
}

// Call implements toolregistry.Tool.
func (t *GetDataSourceTool) Call(ctx context.Context, args map[string]any) toolspec.Result {
	sourceName, _ := args["data_source"].(string)
	if sourceName == "" {
		sourceName, _ = args["name"].(string)
	}
	apiName, _ := args["api"].(string)
	params, _ := args["parameters"].(map[string]any)

	if sourceName == "" {
		return toolspec.Fail("'data_source' is required")
	}
	if apiName == "" {
		return toolspec.Fail("'api' is required")
	}
	ds, ok := dataSources[sourceName]
	if !ok {
		return toolspec.Fail(fmt.Sprintf("unknown data source %q", sourceName))
	}
	if _, ok := ds.APIs[apiName]; !ok {
		return toolspec.Fail(fmt.Sprintf("data source %q has no API named %q", sourceName, apiName))
	}

	if sourceName == "yahoo_finance" && apiName == "quote" {
		symbol, _ := params["symbol"].(string)
		if symbol == "" {
			return toolspec.Fail("'symbol' parameter is required for the quote API")
		}
		u := "https://query1.finance.yahoo.com/v7/finance/quote?" +
			url.Values{"symbols": {symbol}}.Encode()
		body, err := t.client.Get(ctx, u)
		if err != nil {
			return toolspec.Fail(fmt.Sprintf("fetch quote failed: %v", err))
		}
		var payload yahooQuoteResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			return toolspec.Fail(fmt.Sprintf("decode quote response: %v", err))
		}
		if len(payload.QuoteResponse.Result) == 0 {
			return toolspec.Fail(fmt.Sprintf("no data returned for symbol %q", symbol))
		}
		quote := payload.QuoteResponse.Result[0]
		data := map[string]any{
			"symbol":                     quote["symbol"],
			"shortName":                  quote["shortName"],
			"currency":                   quote["currency"],
			"regularMarketPrice":         quote["regularMarketPrice"],
			"regularMarketChangePercent": quote["regularMarketChangePercent"],
		}
		return toolspec.Ok(fmt.Sprintf("Fetched quote for %s", symbol), data)
	}

	return toolspec.Fail(fmt.Sprintf("API %q is not implemented for data source %q", apiName, sourceName))
}

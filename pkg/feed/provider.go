package feed

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Provider describes one upstream price feed
type Provider struct {
	Name       string
	URL        string
	Symbols    []string
	Normalizer Normalizer
	// Subscribe builds the frames sent right after each (re)connect
	Subscribe func(symbols []string) ([][]byte, error)
}

// BinanceProvider uses the combined stream endpoint; subscriptions are encoded
// in the URL so no frames are sent.
// baseURL example: wss://stream.binance.com:9443
func BinanceProvider(baseURL string, symbols []string) Provider {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@trade")
	}
	u := strings.TrimRight(baseURL, "/") + "/stream?streams=" + strings.Join(streams, "/")
	return Provider{
		Name:       "binance",
		URL:        u,
		Symbols:    symbols,
		Normalizer: BinanceTrades,
	}
}

// PolygonProvider authenticates then subscribes to trade channels (T.<sym>)
// wsURL example: wss://socket.polygon.io/stocks
func PolygonProvider(wsURL, apiKey string, symbols []string) Provider {
	return Provider{
		Name:       "polygon",
		URL:        wsURL,
		Symbols:    symbols,
		Normalizer: PolygonTrades,
		Subscribe: func(symbols []string) ([][]byte, error) {
			channels := make([]string, 0, len(symbols))
			for _, s := range symbols {
				channels = append(channels, "T."+s)
			}
			auth, err := json.Marshal(map[string]string{"action": "auth", "params": apiKey})
			if err != nil {
				return nil, err
			}
			sub, err := json.Marshal(map[string]string{"action": "subscribe", "params": strings.Join(channels, ",")})
			if err != nil {
				return nil, err
			}
			return [][]byte{auth, sub}, nil
		},
	}
}

// FinnhubProvider passes the token in the URL and subscribes per symbol
// wsURL example: wss://ws.finnhub.io
func FinnhubProvider(wsURL, apiKey string, symbols []string) Provider {
	u := wsURL
	if apiKey != "" {
		u += "?token=" + url.QueryEscape(apiKey)
	}
	return Provider{
		Name:       "finnhub",
		URL:        u,
		Symbols:    symbols,
		Normalizer: FinnhubTrades,
		Subscribe: func(symbols []string) ([][]byte, error) {
			frames := make([][]byte, 0, len(symbols))
			for _, s := range symbols {
				f, err := json.Marshal(map[string]string{"type": "subscribe", "symbol": s})
				if err != nil {
					return nil, err
				}
				frames = append(frames, f)
			}
			return frames, nil
		},
	}
}

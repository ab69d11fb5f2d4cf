package oracle

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Source é uma fonte de preço SOL/USD
type Source interface {
	Name() string
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

var ErrBadPrice = errors.New("oracle: non-positive price")

func defaultHTTP() *http.Client { return &http.Client{Timeout: 5 * time.Second} }

// HermesSource lê o feed Pyth servido pelo Hermes (HTTP)
type HermesSource struct {
	BaseURL string
	FeedID  string
	HTTP    *http.Client
}

func NewHermesSource(base, feedID string) *HermesSource {
	return &HermesSource{BaseURL: base, FeedID: feedID, HTTP: defaultHTTP()}
}

func (s *HermesSource) Name() string { return "pyth_hermes" }

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price string `json:"price"`
			Expo  int32  `json:"expo"`
		} `json:"price"`
	} `json:"parsed"`
}

func (s *HermesSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids[]", s.FeedID)
	q.Set("parsed", "true")
	var out hermesResponse
	if err := getJSON(ctx, s.HTTP, s.BaseURL+"/v2/updates/price/latest?"+q.Encode(), &out); err != nil {
		return decimal.Zero, err
	}
	if len(out.Parsed) == 0 {
		return decimal.Zero, fmt.Errorf("hermes: feed %s not in response", s.FeedID)
	}
	raw, err := decimal.NewFromString(out.Parsed[0].Price.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("hermes: %w", err)
	}
	return raw.Shift(out.Parsed[0].Price.Expo), nil
}

// AccountReader lê os dados brutos de uma conta on-chain
type AccountReader interface {
	AccountData(ctx context.Context, account solana.PublicKey) ([]byte, error)
}

// Layout legado da conta de preço Pyth
const (
	pythExpoOffset  = 20
	pythPriceOffset = 208
)

// AccountSource lê a conta de preço Pyth direto da chain
type AccountSource struct {
	Chain   AccountReader
	Account solana.PublicKey
}

func (s *AccountSource) Name() string { return "pyth_account" }

func (s *AccountSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	data, err := s.Chain.AccountData(ctx, s.Account)
	if err != nil {
		return decimal.Zero, err
	}
	return ParsePythAccount(data)
}

// ParsePythAccount extrai price (i64 @208) * 10^expo (i32 @20)
func ParsePythAccount(data []byte) (decimal.Decimal, error) {
	if len(data) < pythPriceOffset+8 {
		return decimal.Zero, fmt.Errorf("pyth account: %d bytes", len(data))
	}
	expo := int32(binary.LittleEndian.Uint32(data[pythExpoOffset:]))
	price := int64(binary.LittleEndian.Uint64(data[pythPriceOffset:]))
	return decimal.New(price, expo), nil
}

// CoinGeckoSource usa a API simple/price
type CoinGeckoSource struct {
	BaseURL string
	HTTP    *http.Client
}

func NewCoinGeckoSource(base string) *CoinGeckoSource {
	return &CoinGeckoSource{BaseURL: base, HTTP: defaultHTTP()}
}

func (s *CoinGeckoSource) Name() string { return "coingecko" }

func (s *CoinGeckoSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Solana struct {
			USD decimal.Decimal `json:"usd"`
		} `json:"solana"`
	}
	if err := getJSON(ctx, s.HTTP, s.BaseURL+"/api/v3/simple/price?ids=solana&vs_currencies=usd", &out); err != nil {
		return decimal.Zero, err
	}
	return out.Solana.USD, nil
}

func getJSON(ctx context.Context, c *http.Client, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("GET %s: http %d", req.URL.Path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(dst)
}

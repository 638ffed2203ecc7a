// Package product answers frak_getProductInformation: the product identity
// derived from the requesting origin plus its reward estimate.
package product

import (
	"context"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/frak-labs/frame-connector/internal/siwe"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MethodGetInformation is the product information RPC method.
const MethodGetInformation = "frak_getProductInformation"

// Info is the frak_getProductInformation result.
type Info struct {
	ID                 string `json:"id"`
	Name               string `json:"name,omitempty"`
	OriginURL          string `json:"originUrl"`
	EstimatedEurReward string `json:"estimatedEurReward,omitempty"`
}

// Reward configures the payout estimate for one product.
type Reward struct {
	Name      string
	MaxAmount decimal.Decimal
	// Referrer share of the payout, in percent.
	ReferrerShare decimal.Decimal
}

// IDFromOrigin derives the product id as the keccak256 of the origin's host,
// hex encoded with a 0x prefix. The same site always maps to the same id.
func IDFromOrigin(origin string) string {
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.ToLower(host)
	return "0x" + hex.EncodeToString(siwe.Keccak256([]byte(host)))
}

// Service resolves product information from a configured reward table.
type Service struct {
	rewards       map[string]Reward
	defaultReward decimal.Decimal
	logger        *zap.SugaredLogger
}

// NewService creates a service. rewards is keyed by product id; products
// without an entry fall back to defaultReward (zero disables the estimate).
func NewService(rewards map[string]Reward, defaultReward decimal.Decimal, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if rewards == nil {
		rewards = make(map[string]Reward)
	}
	return &Service{rewards: rewards, defaultReward: defaultReward, logger: logger}
}

// HandleGetInformation is the frak_getProductInformation handler.
func (s *Service) HandleGetInformation(_ context.Context, req *rpc.Request) (any, error) {
	if req.Context.ProductID == "" {
		return nil, rpc.NewError(rpc.CodeConfigError, "no product resolvable for origin")
	}

	info := Info{
		ID:        req.Context.ProductID,
		OriginURL: req.Context.SourceURL,
	}
	if reward, ok := s.rewards[req.Context.ProductID]; ok {
		info.Name = reward.Name
		info.EstimatedEurReward = estimate(reward.MaxAmount, reward.ReferrerShare)
	} else if s.defaultReward.IsPositive() {
		info.EstimatedEurReward = s.defaultReward.StringFixed(2)
	}
	return info, nil
}

// estimate returns the referrer-side payout for display, rounded to cents.
func estimate(maxAmount, referrerShare decimal.Decimal) string {
	if !maxAmount.IsPositive() {
		return ""
	}
	if referrerShare.IsPositive() {
		hundred := decimal.NewFromInt(100)
		return maxAmount.Mul(referrerShare).Div(hundred).StringFixed(2)
	}
	return maxAmount.StringFixed(2)
}

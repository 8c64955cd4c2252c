// Copyright 2025 The tossbot Authors
// This file is part of the tossbot library.
//
// The tossbot library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tossbot library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tossbot library. If not, see <http://www.gnu.org/licenses/>.

package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/grouptoss/tossbot"
)

// ProviderRemote names the custody-service backend in wallet records.
const ProviderRemote = "remote"

const defaultRemoteTimeout = 10 * time.Second

// RemoteConfig configures the custody-service wallet provider.
type RemoteConfig struct {
	// URL is the base URL of the custody service.
	URL string

	// Secret is the 32-byte HS256 secret shared with the service; every
	// request carries a fresh short-lived bearer token derived from it.
	Secret []byte

	// Timeout bounds each HTTP round trip. Zero means ten seconds.
	Timeout time.Duration
}

// RemoteProvider drives a custody service that holds the keys. Records are
// mirrored into the local record store so address lookups keep working when
// the service is unreachable.
type RemoteProvider struct {
	url     string
	secret  []byte
	records RecordStore
	client  *http.Client
}

// NewRemoteProvider validates the config and builds the provider.
func NewRemoteProvider(cfg RemoteConfig, records RecordStore) (*RemoteProvider, error) {
	if cfg.URL == "" {
		return nil, errors.New("wallet: remote provider needs a URL")
	}
	if len(cfg.Secret) != 32 {
		return nil, fmt.Errorf("wallet: remote secret must be 32 bytes, got %d", len(cfg.Secret))
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultRemoteTimeout
	}
	return &RemoteProvider{
		url:     cfg.URL,
		secret:  cfg.Secret,
		records: records,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type remoteWallet struct {
	ID      string         `json:"id"`
	Address common.Address `json:"address"`
}

type remoteError struct {
	Err struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Wallet returns the wallet of id, asking the service to provision one on
// first use and mirroring the record locally.
func (p *RemoteProvider) Wallet(ctx context.Context, id string) (*Record, error) {
	if rec, err := p.records.WalletRecord(id); err == nil {
		return rec, nil
	} else if !errors.Is(err, tossbot.NotFound) {
		return nil, fmt.Errorf("wallet: load record %s: %w", id, err)
	}
	var rw remoteWallet
	if err := p.do(ctx, http.MethodPost, "/v1/wallets", "", map[string]string{"id": id}, &rw); err != nil {
		return nil, err
	}
	rec := &Record{
		ID:        rw.ID,
		Address:   rw.Address,
		Provider:  ProviderRemote,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := p.records.SaveWalletRecord(rec); err != nil {
		return nil, fmt.Errorf("wallet: save record %s: %w", id, err)
	}
	log.Info("Provisioned custody wallet", "id", id, "address", rec.Address)
	return rec, nil
}

// Balance reads the stablecoin balance held for id, in minor units.
func (p *RemoteProvider) Balance(ctx context.Context, id string) (*big.Int, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(id)+"/balance", "", nil, &resp); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(resp.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("wallet: custody returned bad balance %q", resp.Balance)
	}
	return balance, nil
}

// Transfer asks the service to move stablecoin out of the wallet of fromID.
// The request carries an idempotency key, so a timed-out call can be safely
// retried without double spending.
func (p *RemoteProvider) Transfer(ctx context.Context, fromID string, to common.Address, amount *big.Int) (common.Hash, error) {
	if err := checkTransferAmount(amount); err != nil {
		return common.Hash{}, err
	}
	req := map[string]string{
		"to":     to.Hex(),
		"amount": amount.String(),
	}
	var resp struct {
		TxHash common.Hash `json:"txHash"`
	}
	idem := uuid.NewString()
	if err := p.do(ctx, http.MethodPost, "/v1/wallets/"+url.PathEscape(fromID)+"/transfers", idem, req, &resp); err != nil {
		return common.Hash{}, err
	}
	log.Info("Custody transfer accepted", "from", fromID, "to", to, "amount", amount, "tx", resp.TxHash)
	return resp.TxHash, nil
}

func (p *RemoteProvider) do(ctx context.Context, method, path, idemKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("wallet: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.url+path, body)
	if err != nil {
		return fmt.Errorf("wallet: build request: %w", err)
	}
	token, err := p.authToken()
	if err != nil {
		return fmt.Errorf("wallet: sign auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet: custody request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return p.decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("wallet: decode response: %w", err)
	}
	return nil
}

func (p *RemoteProvider) decodeError(resp *http.Response) error {
	var re remoteError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &re); err == nil {
		switch re.Err.Code {
		case "unknown_wallet":
			return fmt.Errorf("%w: %s", ErrUnknownWallet, re.Err.Message)
		case "insufficient_balance":
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, re.Err.Message)
		}
		if re.Err.Code != "" {
			return fmt.Errorf("wallet: custody error %s: %s", re.Err.Code, re.Err.Message)
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownWallet
	}
	return fmt.Errorf("wallet: custody returned HTTP %d", resp.StatusCode)
}

// authToken signs a short-lived bearer token the way engine-API clients
// authenticate: an HS256 JWT whose iat claim the server checks against its
// clock.
func (p *RemoteProvider) authToken() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": &jwt.NumericDate{Time: time.Now()},
	})
	return token.SignedString(p.secret)
}

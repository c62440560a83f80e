package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

var (
	ErrSponsorUnavailable = errors.New("sponsor signer unavailable")
	ErrSigningFailed      = errors.New("transaction signing failed")
)

// Signer turns an unsigned transaction into signed bytes. Key custody stays
// behind this interface.
type Signer interface {
	Sign(ctx context.Context, txn types.Transaction) ([]byte, error)
	Address() string
}

type MnemonicSigner struct {
	sk      ed25519.PrivateKey
	address string
}

func NewMnemonicSigner(phrase string) (*MnemonicSigner, error) {
	sk, err := mnemonic.ToPrivateKey(phrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSponsorUnavailable, err)
	}
	account, err := crypto.AccountFromPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSponsorUnavailable, err)
	}
	return &MnemonicSigner{sk: sk, address: account.Address.String()}, nil
}

func (s *MnemonicSigner) Address() string {
	return s.address
}

func (s *MnemonicSigner) Sign(_ context.Context, txn types.Transaction) ([]byte, error) {
	_, signed, err := crypto.SignTransaction(s.sk, txn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return signed, nil
}

const kmsHandleTTL = 5 * time.Minute

// KMSSigner signs through the key-management daemon. The wallet handle is
// cached for five minutes and dropped on any signer error.
type KMSSigner struct {
	endpoint       string
	walletName     string
	walletPassword string
	address        string
	httpClient     *http.Client

	mu           sync.Mutex
	handle       string
	handleExpiry time.Time
}

func NewKMSSigner(endpoint, walletName, walletPassword, address string) *KMSSigner {
	return &KMSSigner{
		endpoint:       endpoint,
		walletName:     walletName,
		walletPassword: walletPassword,
		address:        address,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *KMSSigner) Address() string {
	return s.address
}

func (s *KMSSigner) Sign(ctx context.Context, txn types.Transaction) ([]byte, error) {
	handle, err := s.walletHandle(ctx)
	if err != nil {
		return nil, err
	}
	payload := map[string]string{
		"wallet_handle_token": handle,
		"transaction":         base64.StdEncoding.EncodeToString(msgpack.Encode(&txn)),
	}
	var response struct {
		SignedTransaction string `json:"signed_transaction"`
		Error             string `json:"error"`
	}
	if err := s.post(ctx, "/v1/transaction/sign", payload, &response); err != nil {
		s.invalidateHandle()
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if response.Error != "" {
		s.invalidateHandle()
		return nil, fmt.Errorf("%w: %s", ErrSigningFailed, response.Error)
	}
	signed, err := base64.StdEncoding.DecodeString(response.SignedTransaction)
	if err != nil {
		s.invalidateHandle()
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return signed, nil
}

func (s *KMSSigner) walletHandle(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != "" && time.Now().Before(s.handleExpiry) {
		return s.handle, nil
	}
	payload := map[string]string{
		"wallet_name":     s.walletName,
		"wallet_password": s.walletPassword,
	}
	var response struct {
		WalletHandleToken string `json:"wallet_handle_token"`
		Error             string `json:"error"`
	}
	if err := s.post(ctx, "/v1/wallet/init", payload, &response); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSponsorUnavailable, err)
	}
	if response.Error != "" || response.WalletHandleToken == "" {
		return "", fmt.Errorf("%w: %s", ErrSponsorUnavailable, response.Error)
	}
	s.handle = response.WalletHandleToken
	s.handleExpiry = time.Now().Add(kmsHandleTTL)
	return s.handle, nil
}

func (s *KMSSigner) invalidateHandle() {
	s.mu.Lock()
	s.handle = ""
	s.mu.Unlock()
}

func (s *KMSSigner) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kms returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FallbackSigner tries the daemon first and demotes to the in-process signer
// for the failing call only; the next call goes back to the daemon.
type FallbackSigner struct {
	primary  Signer
	fallback Signer
}

func NewFallbackSigner(primary, fallback Signer) *FallbackSigner {
	return &FallbackSigner{primary: primary, fallback: fallback}
}

func (s *FallbackSigner) Address() string {
	if s.primary != nil {
		return s.primary.Address()
	}
	if s.fallback != nil {
		return s.fallback.Address()
	}
	return ""
}

func (s *FallbackSigner) Sign(ctx context.Context, txn types.Transaction) ([]byte, error) {
	if s.primary != nil {
		signed, err := s.primary.Sign(ctx, txn)
		if err == nil {
			return signed, nil
		}
		if s.fallback == nil {
			return nil, err
		}
	}
	if s.fallback == nil {
		return nil, ErrSponsorUnavailable
	}
	return s.fallback.Sign(ctx, txn)
}

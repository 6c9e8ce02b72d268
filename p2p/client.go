// client.go - Participant side of the ceremony HTTP binding
package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/crs"
)

// ErrRateLimited is returned when the server throttled the request
var ErrRateLimited = errors.New("rate limited")

// RemoteError is a rejection reported by the server
type RemoteError struct {
	Status  int
	Code    ceremony.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap maps the code back to its sentinel so errors.Is works across the wire
func (e *RemoteError) Unwrap() error {
	if e.Code == ceremony.CodeRateLimited {
		return ErrRateLimited
	}
	return e.Code.Err()
}

// Client talks to one coordinator
type Client struct {
	base   string
	sender string
	http   *http.Client
}

// NewClient targets baseURL, e.g. http://127.0.0.1:8700
func NewClient(baseURL, sender string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), sender: sender, http: hc}
}

// Register joins the ceremony
func (c *Client) Register(ctx context.Context, reg ceremony.Registration) error {
	return c.send(ctx, TypeRegister, RegisterPayload{
		ID:        reg.ID,
		Scheme:    string(reg.Scheme),
		PublicKey: reg.PublicKey,
		Priority:  reg.Priority.String(),
	}, nil)
}

// Submit offers a contribution
func (c *Client) Submit(ctx context.Context, sub *ceremony.Submission) (ceremony.Receipt, error) {
	p, err := submitPayload(sub)
	if err != nil {
		return ceremony.Receipt{}, err
	}
	var rp ReceiptPayload
	if err := c.send(ctx, TypeSubmit, p, &rp); err != nil {
		return ceremony.Receipt{}, err
	}
	return rp.receipt()
}

// Info fetches id's view of the current round
func (c *Client) Info(ctx context.Context, id string) (ceremony.RoundInfo, error) {
	return c.round(ctx, id, false)
}

// AwaitTurn long-polls until id may submit
func (c *Client) AwaitTurn(ctx context.Context, id string) (ceremony.RoundInfo, error) {
	for {
		info, err := c.round(ctx, id, true)
		if errors.Is(err, ceremony.ErrNotYourTurn) {
			continue
		}
		return info, err
	}
}

func (c *Client) round(ctx context.Context, id string, wait bool) (ceremony.RoundInfo, error) {
	u := c.base + "/rounds/" + url.PathEscape(id)
	if wait {
		u += "?wait=true"
	}
	var rp RoundPayload
	if err := c.get(ctx, u, &rp); err != nil {
		return ceremony.RoundInfo{}, err
	}
	return rp.roundInfo()
}

// State fetches the current state of one circuit
func (c *Client) State(ctx context.Context, circuit string) (*crs.State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/state/"+url.PathEscape(circuit), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var rep Reply
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&rep); err != nil {
			return nil, fmt.Errorf("decode reply (status %d): %w", resp.StatusCode, err)
		}
		return nil, &RemoteError{Status: resp.StatusCode, Code: rep.Code, Message: rep.Error}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	s := new(crs.State)
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if want := resp.Header.Get("X-State-Hash"); want != "" && want != s.Hash().String() {
		return nil, fmt.Errorf("state %s: hash header does not match body", circuit)
	}
	return s, nil
}

// Status fetches the public ceremony summary
func (c *Client) Status(ctx context.Context) (StatusPayload, error) {
	var sp StatusPayload
	err := c.get(ctx, c.base+"/status", &sp)
	return sp, err
}

func (c *Client) send(ctx context.Context, typ string, payload, out any) error {
	pb, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	body, err := json.Marshal(Message{Type: typ, Payload: pb, SenderID: c.sender})
	if err != nil {
		return fmt.Errorf("failed to marshal message envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rep Reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&rep); err != nil {
		return fmt.Errorf("decode reply (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || rep.Code != ceremony.CodeAccepted {
		return &RemoteError{Status: resp.StatusCode, Code: rep.Code, Message: rep.Error}
	}
	if out != nil && len(rep.Payload) > 0 {
		return json.Unmarshal(rep.Payload, out)
	}
	return nil
}

// Contribute waits for lc's turn and submits until one contribution is
// accepted. Lost races are retried with fresh randomness.
func Contribute(ctx context.Context, c *Client, lc *ceremony.LocalContributor, log zerolog.Logger) (ceremony.Receipt, error) {
	for {
		info, err := c.AwaitTurn(ctx, lc.ID())
		if err != nil {
			return ceremony.Receipt{}, err
		}
		log.Info().Uint64("round", info.Round+1).Int("circuits", len(info.Circuits)).Msg("turn granted, contributing")

		sub, err := ceremony.Prepare(ctx, lc, info)
		if err != nil {
			return ceremony.Receipt{}, err
		}
		receipt, err := c.Submit(ctx, sub)
		switch {
		case err == nil:
			log.Info().Uint64("round", receipt.Round).Str("hash", receipt.Hash.Short()).Msg("contribution accepted")
			return receipt, nil
		case errors.Is(err, ceremony.ErrStaleRound), errors.Is(err, ceremony.ErrNotYourTurn):
			log.Warn().Err(err).Msg("round moved, retrying")
		case errors.Is(err, ErrRateLimited):
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ceremony.Receipt{}, ctx.Err()
			}
		default:
			return ceremony.Receipt{}, err
		}
	}
}

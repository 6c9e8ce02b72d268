// server.go - HTTP front end of a ceremony coordinator
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"trustedsetup/internal/ceremony"
)

const (
	// CodeBadRequest marks requests that could not be decoded
	CodeBadRequest ceremony.Code = "bad_request"
	// CodeUnknownCircuit marks a circuit name the ceremony does not set up
	CodeUnknownCircuit ceremony.Code = "unknown_circuit"
)

const maxBody = 64 << 20

// Options tunes a Server
type Options struct {
	// RatePerSecond and Burst bound POST /message per client address; zero disables
	RatePerSecond float64
	Burst         int
	// AwaitTimeout bounds one long-poll on GET /rounds/{id}?wait=true
	AwaitTimeout time.Duration
	Logger       zerolog.Logger
}

// Server exposes a Coordinator over HTTP
type Server struct {
	coord   *ceremony.Coordinator
	log     zerolog.Logger
	limiter *ClientLimiter
	await   time.Duration
	router  *mux.Router
}

// NewServer routes requests to coord
func NewServer(coord *ceremony.Coordinator, opts Options) *Server {
	s := &Server{
		coord:  coord,
		log:    opts.Logger.With().Str("component", "p2p").Logger(),
		await:  opts.AwaitTimeout,
		router: mux.NewRouter(),
	}
	if s.await <= 0 {
		s.await = 30 * time.Second
	}
	if opts.RatePerSecond > 0 {
		s.limiter = NewClientLimiter(opts.RatePerSecond, max(opts.Burst, 1))
	}

	s.router.HandleFunc("/message", s.messageHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/rounds/{id}", s.roundHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/state/{circuit}", s.stateHandler).Methods(http.MethodGet)
	return s
}

// Router returns the router so callers can mount extra endpoints
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Limiter returns the rate limiter, nil when disabled
func (s *Server) Limiter() *ClientLimiter {
	return s.limiter
}

// messageHandler decodes the envelope and dispatches on its type
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		s.fail(w, ceremony.CodeRateLimited, errors.New("too many requests"))
		return
	}
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&msg); err != nil {
		s.fail(w, CodeBadRequest, err)
		return
	}

	switch msg.Type {
	case TypeRegister:
		var p RegisterPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.fail(w, CodeBadRequest, err)
			return
		}
		reg, err := p.registration()
		if err != nil {
			s.fail(w, CodeBadRequest, err)
			return
		}
		if err := s.coord.Register(r.Context(), reg); err != nil {
			code := ceremony.CodeOf(err)
			if code == ceremony.CodeInternal {
				code = CodeBadRequest
			}
			s.fail(w, code, err)
			return
		}
		s.log.Info().Str("participant", reg.ID).Str("scheme", string(reg.Scheme)).Msg("registered")
		s.reply(w, nil)

	case TypeSubmit:
		var p SubmitPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.fail(w, CodeBadRequest, err)
			return
		}
		sub, err := p.submission()
		if err != nil {
			s.fail(w, ceremony.CodeOf(err), err)
			return
		}
		receipt, err := s.coord.Submit(r.Context(), sub)
		if err != nil {
			s.fail(w, ceremony.CodeOf(err), err)
			return
		}
		s.reply(w, receiptPayload(receipt))

	default:
		s.log.Warn().Str("type", msg.Type).Str("sender", msg.SenderID).Msg("unknown message type")
		s.fail(w, CodeBadRequest, errors.New("unknown message type "+msg.Type))
	}
}

// roundHandler returns the caller's round view; ?wait=true long-polls
// until it is the caller's turn.
func (s *Server) roundHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var info ceremony.RoundInfo
	var err error
	if r.URL.Query().Get("wait") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), s.await)
		info, err = s.coord.AwaitTurn(ctx, id)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			s.fail(w, ceremony.CodeNotYourTurn, errors.New("turn not granted before timeout"))
			return
		}
	} else {
		info, err = s.coord.Info(r.Context(), id)
	}
	if err != nil {
		s.fail(w, ceremony.CodeOf(err), err)
		return
	}
	p, err := roundPayload(info)
	if err != nil {
		s.fail(w, ceremony.CodeInternal, err)
		return
	}
	s.reply(w, p)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.Status(r.Context())
	if err != nil {
		s.fail(w, ceremony.CodeInternal, err)
		return
	}
	s.reply(w, statusPayload(st, s.coord.Circuits()))
}

// stateHandler serves a circuit's current state in its canonical binary
// encoding
func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	tr, err := s.coord.Transcript(r.Context(), mux.Vars(r)["circuit"])
	if errors.Is(err, ceremony.ErrUnknownCircuit) {
		s.fail(w, CodeUnknownCircuit, err)
		return
	}
	if err != nil {
		s.fail(w, ceremony.CodeInternal, err)
		return
	}
	cur := tr.Current()
	data, err := cur.MarshalBinary()
	if err != nil {
		s.fail(w, ceremony.CodeInternal, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-State-Hash", cur.Hash().String())
	_, _ = w.Write(data)
}

func (s *Server) reply(w http.ResponseWriter, payload any) {
	rep := Reply{Code: ceremony.CodeAccepted}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.fail(w, ceremony.CodeInternal, err)
			return
		}
		rep.Payload = b
	}
	writeReply(w, http.StatusOK, rep)
}

func (s *Server) fail(w http.ResponseWriter, code ceremony.Code, err error) {
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", string(code)).Msg("request failed")
	}
	writeReply(w, status, Reply{Code: code, Error: err.Error()})
}

func writeReply(w http.ResponseWriter, status int, rep Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rep)
}

func httpStatus(code ceremony.Code) int {
	switch code {
	case ceremony.CodeAccepted:
		return http.StatusOK
	case CodeBadRequest:
		return http.StatusBadRequest
	case ceremony.CodeInvalidContribution, ceremony.CodeRoundMismatch:
		return http.StatusUnprocessableEntity
	case ceremony.CodeStaleRound, ceremony.CodeNotYourTurn, ceremony.CodeAlreadyRegistered,
		ceremony.CodeAlreadyContributed, ceremony.CodeWrongPhase:
		return http.StatusConflict
	case ceremony.CodeNotRegistered, CodeUnknownCircuit:
		return http.StatusNotFound
	case ceremony.CodeUnauthenticated:
		return http.StatusUnauthorized
	case ceremony.CodeDropped:
		return http.StatusGone
	case ceremony.CodeRateLimited:
		return http.StatusTooManyRequests
	case ceremony.CodeBeaconUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (p *RegisterPayload) registration() (ceremony.Registration, error) {
	scheme, err := ceremony.ParseScheme(p.Scheme)
	if err != nil {
		return ceremony.Registration{}, err
	}
	prio, err := ceremony.ParsePriority(p.Priority)
	if err != nil {
		return ceremony.Registration{}, err
	}
	return ceremony.Registration{ID: p.ID, Scheme: scheme, PublicKey: p.PublicKey, Priority: prio}, nil
}

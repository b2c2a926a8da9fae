package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/quietboard/spring83/internal/nsboard"
	"github.com/quietboard/spring83/internal/nsdenylist"
	"github.com/quietboard/spring83/internal/nskey"
	"github.com/quietboard/spring83/internal/nsnetcore"
	"github.com/quietboard/spring83/internal/nsstore"
)

// Error messages returned by various server errors.
//
//nolint:lll
var (
	ErrMessageContentTooLarge           = fmt.Sprintf("Content is larger than the maximum allowed size of %d bytes.", nsboard.MaxContentSize)
	ErrMessageDeniedKey                 = "This key is denied."
	ErrMessageInternalError             = "An internal error has occurred. Please report this to the server operator."
	ErrMessageKeyExpired                = "The given key is expired. The last four digits `MMYY` represent a month and year number which is now allowed to exceed the current month and year."
	ErrMessageKeyInvalid                = "The given key is invalid. It should be exactly 64 characters in length and be suffixed with `83eMMYY` where `MM` is a valid month number and `YY` are the last two digits of a year."
	ErrMessageKeyNotYetValid            = "The given key is not yet valid. The last four digits `MMYY` represent a month and year number which must be within two years of the current month and year."
	ErrMessageTestKey                   = "This request was made with Spring '83's test key, which is always rejected according to the specification."
	ErrMessageSignatureBadLength        = fmt.Sprintf("Signature in the `Spring-Signature` header should be exactly %d bytes long.", ed25519.SignatureSize)
	ErrMessageSignatureInvalid          = "Payload contents could not be verified against the signature in the `Spring-Signature` header."
	ErrMessageSignatureMissing          = "Missing `Spring-Signature` header which should contain a signature for the payload."
	ErrMessageSignatureUnparseable      = "Signature in the `Spring-Signature` header could not be decoded from hex to binary."
	ErrMessageTimestampInFuture         = "Content <time> timestamp should not be in the future."
	ErrMessageTimestampMissing          = "Expected content to contain a timestamp tag like `<time datetime=\"YYYY-MM-DDTHH:MM:SSZ\">`."
	ErrMessageTimestampOlderThanCurrent = "Content <time> timestamp is older than the timestamp already registered under the given key."
	ErrMessageTimestampTooOld           = "Content <time> timestamp should not be more than 22 days old."
	ErrMessageTimestampUnparseable      = "Could not parse timestamp tag. Tag should in standard format and UTC like `<time datetime=\"YYYY-MM-DDTHH:MM:SSZ\">`."
)

const (
	MessageKeyUpdated = "Content for the given key has been updated successfully."
)

// defaultPoolSize and defaultRequestTimeout are NetCore's fixed slot count
// and per-request deadline when a deployment doesn't override them.
const (
	defaultPoolSize       = 256
	defaultRequestTimeout = 30 * time.Second
)

//go:embed static/index.html
var indexHTMLSource string

type BoardNotFoundError struct {
	key string
}

func (e *BoardNotFoundError) Error() string { return fmt.Sprintf("Board not found: %q.", e.key) }

type IfModifiedSinceParseError struct {
	val string
}

func (e *IfModifiedSinceParseError) Error() string {
	return fmt.Sprintf("Error parsing `If-Modified-Since` header value: %q.", e.val)
}

type Server struct {
	boardStore  nsstore.BoardStore
	denyList    nsdenylist.DenyList
	httpServer  *http.Server
	logger      *logrus.Logger
	pool        *nsnetcore.Pool
	registry    *prometheus.Registry
	router      *mux.Router
	testKeyPair *nskey.KeyPair
	timeNow     func() time.Time

	indexTemplate *template.Template

	poolSize       int
	requestTimeout time.Duration
}

// ServerOption configures optional Server behavior beyond NewServer's
// required arguments.
type ServerOption func(*Server)

// WithPoolSize overrides NetCore's fixed slot count. Zero or negative
// reverts to defaultPoolSize.
func WithPoolSize(size int) ServerOption {
	return func(s *Server) { s.poolSize = size }
}

// WithRequestTimeout overrides the deadline after which NetCore force-closes
// an in-flight request.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.requestTimeout = d }
}

func NewServer(logger *logrus.Logger, boardStore nsstore.BoardStore, denyList nsdenylist.DenyList, port int, opts ...ServerOption) *Server {
	server := &Server{
		boardStore:     boardStore,
		denyList:       denyList,
		logger:         logger,
		registry:       prometheus.NewRegistry(),
		testKeyPair:    nskey.MustParseKeyPairUnchecked(nskey.TestPrivateKey),
		timeNow:        time.Now,
		poolSize:       defaultPoolSize,
		requestTimeout: defaultRequestTimeout,
	}

	for _, opt := range opts {
		opt(server)
	}

	if err := server.parseTemplates(); err != nil {
		// The template source is embedded at build time, so a parse failure
		// here means the binary itself is broken, not anything a caller did.
		panic(err)
	}

	server.pool = nsnetcore.NewPool(server.poolSize, server.registry)

	router := mux.NewRouter()

	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use((&CanonicalLogLineMiddleware{logger: server.logger}).Wrapper)
	router.Use((&CORSMiddleware{}).Wrapper)
	router.Use(NewSlotPoolMiddleware(server.pool).Wrapper)
	router.Use(NewTimeoutMiddleware(server.requestTimeout).Wrapper)

	router.Handle("/", server.wrapEndpoint(server.handleIndex)).Methods(http.MethodGet)
	router.Handle("/{key}", server.wrapEndpoint(server.handleGetKey)).Methods(http.MethodGet)
	router.Handle("/{key}", server.wrapEndpoint(server.handlePutKey)).Methods(http.MethodPut)
	router.Handle("/metrics", promhttp.HandlerFor(server.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,

		// Specified to prevent the "Slowloris" DOS attack, in which an attacker
		// sends many partial requests to exhaust a target server's connections.
		//
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.router = router

	return server
}

// parseTemplates compiles the embedded index page. Exposed as a method
// rather than folded silently into NewServer so a caller (or a test) can
// confirm the embedded template is well-formed on its own.
func (s *Server) parseTemplates() error {
	tmpl, err := template.New("index").Parse(indexHTMLSource)
	if err != nil {
		return xerrors.Errorf("error parsing index template: %w", err)
	}

	s.indexTemplate = tmpl

	return nil
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Listening on %s\n", s.httpServer.Addr)

	// On SIGTERM, try to shut the server down gracefully: stop accepting new
	// connections, and wait for existing ones to finish.
	//
	// Among other things, this is useful for Heroku, which will send a SIGTERM
	// on a deploy or periodic dyno restart to give us a chance to wind down
	// safely before we're forced to exit.
	idleConnsClosed := make(chan struct{})
	go func() {
		sigterm := make(chan os.Signal, 1)
		signal.Notify(sigterm, syscall.SIGTERM)
		<-sigterm

		s.logger.Infof("Performing graceful shutdown")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Error from closing listeners, or context timeout
			s.logger.Errorf("Server shutdown error: %v", err)
		}

		close(idleConnsClosed)
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
	}

	<-idleConnsClosed

	return nil
}

func (s *Server) handleGetKey(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	var (
		board  *nsstore.Board
		denied bool
		err    error
		key    = mux.Vars(r)["key"]
	)

	// Shortcut to help guarantee that all not found errors look the same, as
	// recommended by the specification.
	notFoundError := func() error {
		return NewServerError(http.StatusNotFound, (&BoardNotFoundError{key}).Error())
	}

	// Spring '83 defines a test key that can be requested to help with client
	// integrations. We check this right at the top because we'd like for it to
	// be able to bypass the standard key checks as within the next couple of
	// years it will technically expire.
	//
	// The specification suggests returning fresh content for the test key every
	// time, so generate something random. Also has the effect of bumping the
	// timestamp so that it's never stale.
	if key == s.testKeyPair.PublicKey {
		board, err = s.randomizeTestKeyBoard(ctx)
		if err != nil {
			return nil, xerrors.Errorf("error randomizing test board: %w", err)
		}
		goto respond
	}

	_, err = nskey.ParseKey(key, s.timeNow())
	if err != nil {
		switch {
		case errors.Is(err, nskey.ErrKeyExpired):
			return nil, NewServerError(http.StatusForbidden, ErrMessageKeyExpired)
		case errors.Is(err, nskey.ErrKeyInvalid):
			return nil, NewServerError(http.StatusForbidden, ErrMessageKeyInvalid)
		case errors.Is(err, nskey.ErrKeyNotYetValid):
			return nil, NewServerError(http.StatusForbidden, ErrMessageKeyNotYetValid)
		}

		return nil, xerrors.Errorf("error parsing key: %w", err)
	}

	denied, err = s.denyList.Contains(key)
	if err != nil {
		return nil, xerrors.Errorf("error checking deny list for key %q: %w", key, err)
	}
	if denied {
		return nil, NewServerError(http.StatusForbidden, ErrMessageDeniedKey)
	}

	board, err = s.boardStore.Get(ctx, key)
	if err != nil {
		if errors.Is(err, nsstore.ErrKeyNotFound) || errors.Is(err, nsstore.ErrCorrupted) {
			return nil, notFoundError()
		}

		return nil, xerrors.Errorf("error getting key %q from store: %w", key, err)
	}

	// The Spring '83 spec stipulates that boards are never deleted, but can be
	// effectively removed by sending a last update to them that contains only a
	// timestamp, but no other content. If storing such a board, a server should
	// respond as if the board doesn't exist.
	if nsboard.IsTimestampOnly(board.Content) {
		return nil, notFoundError()
	}

	if ifModifiedSinceStr := r.Header.Get("If-Modified-Since"); ifModifiedSinceStr != "" {
		ifModifiedSince, err := time.Parse(http.TimeFormat, ifModifiedSinceStr)
		if err != nil {
			return nil, NewServerError(http.StatusBadRequest, (&IfModifiedSinceParseError{ifModifiedSinceStr}).Error())
		}

		if ifModifiedSince.After(board.Timestamp) {
			return NewServerResponse(http.StatusNotModified, nil, http.Header{
				"Spring-Version": []string{"83"},
			}), nil
		}
	}

respond:
	return NewServerResponse(http.StatusOK, board.Content, http.Header{
		"Last-Modified":    []string{board.Timestamp.Format(http.TimeFormat)},
		"Spring-Signature": []string{board.Signature},
		"Spring-Version":   []string{"83"},
	}), nil
}

func (s *Server) handlePutKey(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	key := mux.Vars(r)["key"]

	if key == s.testKeyPair.PublicKey {
		return nil, NewServerError(http.StatusUnauthorized, ErrMessageTestKey)
	}

	keyObj, err := nskey.ParseKey(key, s.timeNow())
	if err != nil {
		switch {
		case errors.Is(err, nskey.ErrKeyExpired):
			return nil, NewServerError(http.StatusForbidden, ErrMessageKeyExpired)
		case errors.Is(err, nskey.ErrKeyInvalid):
			return nil, NewServerError(http.StatusForbidden, ErrMessageKeyInvalid)
		case errors.Is(err, nskey.ErrKeyNotYetValid):
			return nil, NewServerError(http.StatusForbidden, ErrMessageKeyNotYetValid)
		}

		return nil, xerrors.Errorf("error parsing key: %w", err)
	}

	denied, err := s.denyList.Contains(key)
	if err != nil {
		return nil, xerrors.Errorf("error checking deny list for key %q: %w", key, err)
	}
	if denied {
		return nil, NewServerError(http.StatusForbidden, ErrMessageDeniedKey)
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, xerrors.Errorf("error reading request body: %v", err)
	}

	brd, err := nsboard.New(content, s.timeNow())
	if err != nil {
		switch {
		case errors.Is(err, nsboard.ErrTooLarge):
			return nil, NewServerError(http.StatusRequestEntityTooLarge, ErrMessageContentTooLarge)
		case errors.Is(err, nsboard.ErrTimestampMissing):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageTimestampMissing)
		case errors.Is(err, nsboard.ErrTimestampUnparseable):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageTimestampUnparseable)
		case errors.Is(err, nsboard.ErrTimestampInFuture):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageTimestampInFuture)
		case errors.Is(err, nsboard.ErrTimestampTooOld):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageTimestampTooOld)
		}

		return nil, xerrors.Errorf("error validating board: %w", err)
	}

	sigStr := r.Header.Get("Spring-Signature")
	if sigStr == "" {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageSignatureMissing)
	}

	sig, err := hex.DecodeString(sigStr)
	if err != nil {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageSignatureUnparseable)
	}

	// Verify the signature before touching the store: cheaper than a store
	// round trip, and it keeps an attacker from using unsigned content to
	// probe for the existence of a conflicting, newer timestamp.
	if err := nsboard.VerifySignature(keyObj, content, sig); err != nil {
		switch {
		case errors.Is(err, nsboard.ErrSignatureBadLength):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageSignatureBadLength)
		case errors.Is(err, nsboard.ErrSignatureInvalid):
			return nil, NewServerError(http.StatusUnauthorized, ErrMessageSignatureInvalid)
		}

		return nil, xerrors.Errorf("error verifying signature: %w", err)
	}

	timestamp := brd.Timestamp.Time()

	// If we have a board with a timestamp newer than or equal to the given
	// one, we're meant to return a 409 conflict to the requesting user
	// indicating so -- a board's stored timestamp must strictly increase.
	existing, err := s.boardStore.Get(ctx, key)
	if err == nil {
		if !existing.Timestamp.Before(timestamp) {
			return nil, NewServerError(http.StatusConflict, ErrMessageTimestampOlderThanCurrent)
		}
	}

	if err := s.boardStore.Put(ctx, key, &nsstore.Board{
		Content:   content,
		Signature: sigStr,
		Timestamp: timestamp,
	}); err != nil {
		return nil, xerrors.Errorf("error storing board: %w", err)
	}

	return NewServerResponse(http.StatusOK, []byte(MessageKeyUpdated), http.Header{
		"Spring-Version": []string{"83"},
	}), nil
}

func (s *Server) handleIndex(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	var buf bytes.Buffer
	if err := s.indexTemplate.Execute(&buf, nil); err != nil {
		return nil, xerrors.Errorf("error rendering index template: %w", err)
	}

	return NewServerResponse(http.StatusOK, buf.Bytes(), nil), nil
}

// Randomizes board contents for the test key, as recommended by the Spring '83
// while fulfilling test key requests.
func (s *Server) randomizeTestKeyBoard(ctx context.Context) (*nsstore.Board, error) {
	content := getRandomQuote()

	board := &nsstore.Board{
		Content:   []byte(content),
		Signature: s.testKeyPair.SignHex([]byte(content)),
		Timestamp: s.timeNow(),
	}

	if err := s.boardStore.Put(ctx, s.testKeyPair.PublicKey, board); err != nil {
		return nil, xerrors.Errorf("error storing test board: %w", err)
	}

	return board, nil
}

// Provides a wrapper around endpoints that makes them more testable by allowing
// them to return response and error structs instead of writing to RAW HTTP
// primitives. Also implements returning a 500 internal server when an unhandled
// error is encountered.
func (s *Server) wrapEndpoint(h func(ctx context.Context, r *http.Request) (*ServerResponse, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := ContextContainerFrom(r.Context())

		writeStatus := func(statusCode int) {
			ctxContainer.StatusCode = statusCode
			w.WriteHeader(statusCode)
		}

		w.Header().Set("Content-Type", "text/html;charset=utf-8")

		resp, err := h(r.Context(), r)
		if err != nil {
			var serverErr *ServerError
			if errors.As(err, &serverErr) {
				s.logger.Infof("User error [status %d]: %v", serverErr.StatusCode, serverErr)
				writeStatus(serverErr.StatusCode)
				_, _ = w.Write([]byte(serverErr.Error()))
				return
			}

			s.logger.Errorf("Internal server error: %v", err)
			writeStatus(http.StatusInternalServerError)
			_, _ = w.Write([]byte(ErrMessageInternalError))
			return
		}

		if len(resp.Header) > 0 {
			for k, vs := range resp.Header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
		}

		if resp.StatusCode != 0 {
			writeStatus(resp.StatusCode)
		}

		_, _ = w.Write(resp.Body)
	})
}

// Implements the error interface and provides an easy way to return a
// particular status code and error message that's interpreted by `wrapEndpoint`
// and written back to an `http.ResponseWriter`.
type ServerError struct {
	Message    string
	StatusCode int
}

func NewServerError(statusCode int, message string) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: message}
}

func (e *ServerError) Error() string {
	return e.Message
}

// Wraps up an HTTP status code, headers, and body and which can be returned by
// handlers as a more testable alternative to a HTTP response. Interpreted by
// `wrapEndpoint` and written back to an `http.ResponseWriter`.
type ServerResponse struct {
	Body       []byte
	Header     http.Header
	StatusCode int
}

func NewServerResponse(statusCode int, body []byte, header http.Header) *ServerResponse {
	return &ServerResponse{Body: body, Header: header, StatusCode: statusCode}
}

// Package rpc implements the JSON-RPC 2.0 API server.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Klingon-tech/klingnet-registry/config"
	"github.com/Klingon-tech/klingnet-registry/internal/lifecycle"
	klog "github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/metrics"
	"github.com/Klingon-tech/klingnet-registry/internal/parent"
	"github.com/Klingon-tech/klingnet-registry/internal/proof"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/versioning"
	"github.com/rs/zerolog"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// Backend groups the services the API exposes. Metrics is optional.
type Backend struct {
	Lifecycle *lifecycle.Service
	Versions  *versioning.Service
	Parents   *parent.Store
	Registry  *registry.Registry
	Proofs    *proof.Service
	Metrics   *metrics.Metrics
}

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr        string
	lifecycle   *lifecycle.Service
	versions    *versioning.Service
	parents     *parent.Store
	registry    *registry.Registry
	proofs      *proof.Service
	metrics     *metrics.Metrics
	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
	corsOrigins []string     // Empty = no CORS headers.
}

// New creates a new RPC server. The rpcCfg parameter controls IP filtering
// and CORS. A zero-value RPCConfig allows all IPs and disables CORS.
// When b.Metrics is set the server also answers GET /metrics.
func New(addr string, b Backend, rpcCfg ...config.RPCConfig) *Server {
	s := &Server{
		addr:      addr,
		lifecycle: b.Lifecycle,
		versions:  b.Versions,
		parents:   b.Parents,
		registry:  b.Registry,
		proofs:    b.Proofs,
		metrics:   b.Metrics,
		logger:    klog.WithComponent("rpc"),
	}

	if len(rpcCfg) > 0 {
		s.allowedNets = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		s.corsOrigins = rpcCfg[0].CORSOrigins
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	if s.metrics != nil {
		mux.Handle("/metrics", s.filterIP(s.metrics.Handler()))
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // Bulk creation can run long.
	}

	return s
}

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try as a single IP (add /32 or /128).
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("RPC server listening")
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// remoteAllowed applies the IP filter to a request.
func (s *Server) remoteAllowed(r *http.Request) bool {
	if len(s.allowedNets) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && s.isIPAllowed(ip)
}

func (s *Server) filterIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.remoteAllowed(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRequest is the main HTTP handler for JSON-RPC requests.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !s.remoteAllowed(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// CORS headers.
	s.setCORSHeaders(w, r)

	// Handle CORS preflight.
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}

	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	start := time.Now()
	result, rpcErr := s.dispatch(r.Context(), &req)
	if rpcErr != nil {
		s.metrics.RPCRequest(req.Method, start, rpcErr)
		s.logger.Debug().
			Str("method", req.Method).
			Int("code", rpcErr.Code).
			Str("error", rpcErr.Message).
			Msg("RPC request failed")
		writeJSON(w, Response{
			JSONRPC: "2.0",
			Error:   rpcErr,
			ID:      req.ID,
		})
		return
	}
	s.metrics.RPCRequest(req.Method, start, nil)

	writeJSON(w, Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	switch req.Method {
	// Tokens
	case "token_createIncomeStream":
		return s.handleTokenCreateIncomeStream(ctx, req)
	case "token_createCollateral":
		return s.handleTokenCreateCollateral(ctx, req)
	case "token_createRoyalty":
		return s.handleTokenCreateRoyalty(ctx, req)
	case "token_bulkCreate":
		return s.handleTokenBulkCreate(ctx, req)
	case "token_get":
		return s.handleTokenGet(ctx, req)
	case "token_getByParent":
		return s.handleTokenGetByParent(ctx, req)
	case "token_getByOwner":
		return s.handleTokenGetByOwner(ctx, req)
	case "token_activate":
		return s.handleTokenActivate(ctx, req)
	case "token_redeem":
		return s.handleTokenRedeem(ctx, req)
	case "token_expire":
		return s.handleTokenExpire(ctx, req)
	case "token_transfer":
		return s.handleTokenTransfer(ctx, req)
	case "token_countActiveByParent":
		return s.handleTokenCountActiveByParent(req)

	// Parents
	case "parent_register":
		return s.handleParentRegister(req)
	case "parent_get":
		return s.handleParentGet(req)
	case "parent_list":
		return s.handleParentList(req)
	case "parent_retire":
		return s.handleParentRetire(req)
	case "parent_attestRoot":
		return s.handleParentAttestRoot(req)

	// Versions
	case "version_create":
		return s.handleVersionCreate(ctx, req)
	case "version_submit":
		return s.handleVersionSubmit(ctx, req)
	case "version_approve":
		return s.handleVersionApprove(ctx, req)
	case "version_reject":
		return s.handleVersionReject(ctx, req)
	case "version_archive":
		return s.handleVersionArchive(ctx, req)
	case "version_activate":
		return s.handleVersionActivate(ctx, req)
	case "version_get":
		return s.handleVersionGet(req)
	case "version_getHistory":
		return s.handleVersionGetHistory(req)
	case "version_getActive":
		return s.handleVersionGetActive(req)
	case "version_getByStatus":
		return s.handleVersionGetByStatus(req)
	case "version_getAuditTrail":
		return s.handleVersionGetAuditTrail(req)
	case "version_verifyIntegrity":
		return s.handleVersionVerifyIntegrity(req)

	// Proofs
	case "proof_buildTree":
		return s.handleProofBuildTree(req)
	case "proof_generate":
		return s.handleProofGenerate(req)
	case "proof_verify":
		return s.handleProofVerify(req)
	case "proof_composite":
		return s.handleProofComposite(req)
	case "proof_verifyComposite":
		return s.handleProofVerifyComposite(req)

	// Registry
	case "registry_validate":
		return s.handleRegistryValidate(req)
	case "registry_stats":
		return s.handleRegistryStats(req)

	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

// writeJSON writes a JSON-RPC response.
func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON-RPC error response.
func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// isIPAllowed checks if the IP is in the allowed networks list.
func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// setCORSHeaders adds CORS headers based on the configured origins.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}

	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

// parseParams unmarshals the request params into the given target.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}

	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}

	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

package framework

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/api"
	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/auth"
	"github.com/acnlabs/acn/pkg/client"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/gateway"
	"github.com/acnlabs/acn/pkg/registry"
	"github.com/acnlabs/acn/pkg/router"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/tasks"
	"github.com/acnlabs/acn/pkg/types"
)

// OperatorToken is the internal credential every test node accepts.
const OperatorToken = "e2e-operator-token"

// Node is a full node running in-process: bolt storage under a temp
// directory, real services, and the HTTP surface behind httptest. Payment
// collaborators are replaced by in-process ledgers so settlement flows can
// be asserted without external services.
type Node struct {
	Config    *config.Config
	Store     storage.Store
	Ephemeral storage.Ephemeral
	Registry  *registry.Service
	Watchdog  *registry.Watchdog
	Gateway   *gateway.Gateway
	Router    *router.Router
	Tasks     *tasks.Service
	Wallet    *Wallet
	Escrow    *Escrow
	Payments  *Payments

	srv *httptest.Server
}

// StartNode boots a node and registers teardown on the test. The optional
// mutators adjust the config before services are built; timeouts come
// pre-shrunk so failure paths resolve within test budgets.
func StartNode(t *testing.T, mutate ...func(*config.Config)) *Node {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eph := storage.NewMemoryEphemeral()

	broker := audit.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	recorder := audit.NewRecorder(store, broker)

	// The listener must exist before the services so PublicURL is known.
	srv := httptest.NewUnstartedServer(nil)

	cfg := config.Load()
	cfg.AuthDomain = ""
	cfg.OperatorToken = OperatorToken
	cfg.PublicURL = "http://" + srv.Listener.Addr().String()
	cfg.SendRateLimit = 0
	cfg.BroadcastRateLimit = 0
	cfg.RequestTimeout = 3 * time.Second
	cfg.RegisterTimeout = 3 * time.Second
	cfg.CollaboratorTimeout = 2 * time.Second
	// The watchdog ticker stays effectively idle; tests force sweeps.
	cfg.WatchdogInterval = time.Hour
	for _, m := range mutate {
		m(cfg)
	}

	authSvc := auth.NewService(cfg, store)
	reg := registry.NewService(cfg, store, eph, recorder)

	watchdog := registry.NewWatchdog(store, eph, recorder, cfg.WatchdogInterval)
	watchdog.Start()
	t.Cleanup(watchdog.Stop)

	gw := gateway.New(cfg, store, reg, recorder, nil)
	require.NoError(t, gw.EnsureDefaultSubnets(context.Background()))
	gw.Start()
	t.Cleanup(gw.Stop)

	rt := router.New(cfg, store, eph, reg, recorder)

	n := &Node{
		Config:    cfg,
		Store:     store,
		Ephemeral: eph,
		Registry:  reg,
		Watchdog:  watchdog,
		Gateway:   gw,
		Router:    rt,
		Wallet:    NewWallet(),
		Escrow:    NewEscrow(),
		Payments:  NewPayments(),
		srv:       srv,
	}

	n.Tasks = tasks.New(store, eph, recorder, n.Wallet, n.Escrow, n.Payments)
	n.Tasks.SetNotifier(rt)

	server := api.New(cfg, api.Deps{
		Store:     store,
		Ephemeral: eph,
		Auth:      authSvc,
		Registry:  reg,
		Gateway:   gw,
		Router:    rt,
		Tasks:     n.Tasks,
		Recorder:  recorder,
		Version:   "e2e",
	})
	srv.Config.Handler = server.Routes()
	srv.Start()
	t.Cleanup(srv.Close)

	return n
}

// URL returns the node's base URL. Tunnel clients dial the same address.
func (n *Node) URL() string {
	return n.srv.URL
}

// Client returns an unauthenticated SDK client for the node.
func (n *Node) Client() *client.Client {
	return client.NewClient(n.srv.URL)
}

// OperatorClient returns an SDK client carrying the operator token.
func (n *Node) OperatorClient() *client.Client {
	return client.NewClientWithOperatorToken(n.srv.URL, OperatorToken)
}

// AgentClient returns an SDK client authenticating with an agent API key.
func (n *Node) AgentClient(apiKey string) *client.Client {
	return client.NewClientWithAPIKey(n.srv.URL, apiKey)
}

// JoinAgent self-registers an autonomous agent and returns the record with
// its one-time credentials.
func (n *Node) JoinAgent(t *testing.T, name string, skills ...string) *types.Agent {
	t.Helper()
	agent, err := n.Client().Join(context.Background(), &client.JoinRequest{
		Name:   name,
		Skills: skills,
	})
	require.NoError(t, err)
	return agent
}

// RegisterAgent upserts a platform-managed agent through the operator
// surface, keyed by (owner, endpoint).
func (n *Node) RegisterAgent(t *testing.T, owner, name, endpoint string, skills ...string) *types.Agent {
	t.Helper()
	agent, err := n.OperatorClient().Register(context.Background(), &client.RegisterRequest{
		Owner:    owner,
		Name:     name,
		Endpoint: endpoint,
		Skills:   skills,
	})
	require.NoError(t, err)
	return agent
}

// ExpireAgent drops the agent's liveness key and forces a watchdog sweep,
// flipping it offline the way a missed heartbeat eventually would.
func (n *Node) ExpireAgent(t *testing.T, agentID string) {
	t.Helper()
	n.Ephemeral.ClearLiveness(agentID)
	require.NoError(t, n.Watchdog.Sweep())
}

package notify

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"scm_multichain/pkg/config"
	"scm_multichain/pkg/metadata"
	"scm_multichain/pkg/utils"
)

const (
	connectionTimeout = 30 * time.Second
	discoveryTimeout  = 30 * time.Second
	subscriberBuffer  = 64
)

// GossipConfig configures the libp2p notification node.
type GossipConfig struct {
	ListenAddrs    []string
	BootstrapPeers []string
	Topic          string
	KeyFile        string
	EnableDHT      bool
}

// GossipConfigFrom builds a GossipConfig from application settings.
func GossipConfigFrom(cfg *config.P2PConfig) GossipConfig {
	return GossipConfig{
		ListenAddrs:    []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)},
		BootstrapPeers: cfg.BootstrapPeers,
		Topic:          cfg.Topic,
		KeyFile:        cfg.KeyFile,
		EnableDHT:      cfg.DHT,
	}
}

// GossipPublisher broadcasts events on a gossipsub topic.
type GossipPublisher struct {
	cfg    GossipConfig
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	kad    *dht.IpfsDHT
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// NewGossipPublisher starts a libp2p host, joins the event topic and, when
// enabled, bootstraps a Kademlia DHT client for peer discovery.
func NewGossipPublisher(ctx context.Context, cfg GossipConfig, logger *zap.Logger) (*GossipPublisher, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("gossip topic cannot be empty")
	}

	privKey, err := loadOrGenerateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("key management error: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g := &GossipPublisher{
		cfg:    cfg,
		host:   h,
		logger: logger.Named("gossip"),
		ctx:    runCtx,
		cancel: cancel,
	}

	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}
	g.pubsub = ps

	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("joining topic %s: %w", cfg.Topic, err)
	}
	g.topic = topic

	g.connectBootstrapPeers(ctx)

	if cfg.EnableDHT {
		if err := g.setupDHT(ctx); err != nil {
			g.Close()
			return nil, err
		}
	}

	g.logger.Info("Gossip node started",
		zap.String("peer_id", h.ID().String()),
		zap.Any("addrs", h.Addrs()),
		zap.String("topic", cfg.Topic))
	return g, nil
}

// ID returns the local peer id.
func (g *GossipPublisher) ID() peer.ID {
	return g.host.ID()
}

// Publish broadcasts e on the event topic.
func (g *GossipPublisher) Publish(ctx context.Context, e *Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := g.topic.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publishing %s: %w", e.Type, err)
	}
	g.logger.Debug("Event gossiped",
		zap.String("type", string(e.Type)),
		zap.String("aggregate_id", e.AggregateID))
	return nil
}

// Subscribe returns a channel of events received on the topic, including
// those published locally. The channel closes when ctx ends or the
// publisher is closed.
func (g *GossipPublisher) Subscribe(ctx context.Context) (<-chan *Event, error) {
	sub, err := g.topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", g.cfg.Topic, err)
	}

	out := make(chan *Event, subscriberBuffer)
	utils.SafeGo(g.logger, func() {
		defer close(out)
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			e, err := UnmarshalEvent(msg.Data)
			if err != nil {
				g.logger.Warn("Dropping malformed event",
					zap.String("from", msg.ReceivedFrom.String()),
					zap.Error(err))
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	})
	return out, nil
}

// Close shuts down the DHT, topic and host.
func (g *GossipPublisher) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.cancel()

	if g.kad != nil {
		if err := g.kad.Close(); err != nil {
			g.logger.Warn("Closing DHT", zap.Error(err))
		}
	}
	if g.topic != nil {
		if err := g.topic.Close(); err != nil {
			g.logger.Debug("Closing topic", zap.Error(err))
		}
	}
	return g.host.Close()
}

func (g *GossipPublisher) connectBootstrapPeers(ctx context.Context) {
	for _, addr := range g.cfg.BootstrapPeers {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			g.logger.Warn("Invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			g.logger.Warn("Invalid bootstrap peer", zap.String("addr", addr), zap.Error(err))
			continue
		}

		connectCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
		if err := g.host.Connect(connectCtx, *info); err != nil {
			g.logger.Warn("Failed to connect to bootstrap peer",
				zap.String("peer", info.ID.String()),
				zap.Error(err))
		} else {
			g.logger.Info("Connected to bootstrap peer", zap.String("peer", info.ID.String()))
		}
		cancel()
	}
}

// setupDHT joins the DHT as a client and advertises the topic rendezvous key
// so peers on the same topic can find each other.
func (g *GossipPublisher) setupDHT(ctx context.Context) error {
	kad, err := dht.New(g.ctx, g.host, dht.Mode(dht.ModeClient))
	if err != nil {
		return fmt.Errorf("creating DHT: %w", err)
	}
	g.kad = kad

	if err := kad.Bootstrap(g.ctx); err != nil {
		return fmt.Errorf("bootstrapping DHT: %w", err)
	}

	rendezvous, err := metadata.ContentID([]byte("scm/topic/" + g.cfg.Topic))
	if err != nil {
		return err
	}

	utils.SafeGo(g.logger, func() {
		provideCtx, cancel := context.WithTimeout(g.ctx, discoveryTimeout)
		defer cancel()
		if err := kad.Provide(provideCtx, rendezvous, true); err != nil {
			g.logger.Debug("Rendezvous announce failed", zap.Error(err))
		}

		for info := range kad.FindProvidersAsync(provideCtx, rendezvous, 0) {
			if info.ID == g.host.ID() || len(info.Addrs) == 0 {
				continue
			}
			if err := g.host.Connect(provideCtx, info); err != nil {
				g.logger.Debug("Connecting to discovered peer", zap.String("peer", info.ID.String()), zap.Error(err))
			}
		}
	})
	return nil
}

// loadOrGenerateKey loads the Ed25519 identity from keyFile, generating and
// persisting a new one when the file does not exist. An empty keyFile yields
// an ephemeral identity.
func loadOrGenerateKey(keyFile string) (libp2pCrypto.PrivKey, error) {
	if keyFile != "" {
		keyBytes, err := os.ReadFile(keyFile)
		if err == nil {
			priv, err := libp2pCrypto.UnmarshalPrivateKey(keyBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
			}
			return priv, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
	}

	priv, _, err := libp2pCrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if keyFile == "" {
		return priv, nil
	}

	keyBytes, err := libp2pCrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := utils.WriteFileSafely(keyFile, keyBytes, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key to file: %w", err)
	}
	return priv, nil
}

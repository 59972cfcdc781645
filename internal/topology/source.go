package topology

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// ConnectorFactory builds live Connectors. Concrete implementations (backed
// by the mongo driver) live in internal/connector; this package only depends
// on the factory's interface so it stays unit-testable with fakes.
type ConnectorFactory interface {
	// Build connects to uri and classifies the resulting topology: a single
	// server, an unsharded replica set (MongoCluster), or a mongos in front
	// of a sharded cluster (ShardedClusterConnector). adminCreds indicates
	// the URI carries admin-database credentials.
	Build(ctx context.Context, uri string, adminCreds bool) (model.Connector, error)

	// ClusterView adapts a replica-set Connector into the selector's view.
	ClusterView(c model.Connector) (ClusterView, bool)
}

// MongoSource is the (currently only) BackupSource variant: a MongoDB URI,
// optionally scoped to one database, optionally paired with CloudBlockStorage
// per member address.
type MongoSource struct {
	uri          string
	databaseName string
	adminCreds   bool
	factory      ConnectorFactory

	// blockStorage maps a connector address to its CloudBlockStorage. A nil
	// map means no block storage is configured for this source at all.
	blockStorage map[string]model.CloudBlockStorage
}

// NewMongoSource builds a MongoSource. blockStorage may be nil.
func NewMongoSource(uri, databaseName string, adminCreds bool, factory ConnectorFactory, blockStorage map[string]model.CloudBlockStorage) *MongoSource {
	return &MongoSource{
		uri:          uri,
		databaseName: databaseName,
		adminCreds:   adminCreds,
		factory:      factory,
		blockStorage: blockStorage,
	}
}

func (s *MongoSource) Type() string { return "MongoSource" }

func (s *MongoSource) URI() string { return s.uri }

func (s *MongoSource) DatabaseName() (string, bool) {
	return s.databaseName, s.databaseName != ""
}

func (s *MongoSource) GetBlockStorageByAddress(address string) (model.CloudBlockStorage, bool) {
	cbs, ok := s.blockStorage[address]
	return cbs, ok
}

// GetConnector implements §4.3: whenever priorStats names a member (repl.me
// or host) it rebuilds a connector to that member, without consulting any
// strategy's NeedsNewMemberSelection; otherwise it runs the full selection
// algorithm against a freshly built connector. The Selection's warnings are
// not logged here, since GetConnector has no task to append them to.
func (s *MongoSource) GetConnector(ctx context.Context, tryCount int, priorStats map[string]any, prefs model.MemberPreferences) (model.Connector, error) {
	if priorStats != nil {
		if addr := addressFromPriorStats(priorStats); addr != "" {
			return s.factory.Build(ctx, rebuildURI(s.uri, addr), s.adminCreds)
		}
	}

	root, err := s.factory.Build(ctx, s.uri, s.adminCreds)
	if err != nil {
		return nil, fmt.Errorf("connecting to source: %w", err)
	}

	if sharded, ok := root.(model.ShardedClusterConnector); ok {
		if err := SelectShardedMembers(ctx, nil, sharded, prefs); err != nil {
			return nil, err
		}
		return sharded, nil
	}

	view, ok := s.factory.ClusterView(root)
	if !ok {
		// Single server: no selection to perform.
		return root, nil
	}

	sel, err := SelectMember(ctx, view, prefs)
	if err != nil {
		return nil, err
	}

	return s.factory.Build(ctx, rebuildURI(s.uri, sel.Address), s.adminCreds)
}

func (s *MongoSource) GetSelectedSources(connector model.Connector) []model.SelectedSource {
	if sharded, ok := connector.(model.ShardedClusterConnector); ok {
		return sharded.SelectedShardSecondaries()
	}
	return []model.SelectedSource{{Address: connector.Address()}}
}

// addressFromPriorStats extracts the `repl.me`-or-`host` address used to pin
// a resumed task to the same member (§4.3 step 1).
func addressFromPriorStats(stats map[string]any) string {
	if repl, ok := stats["repl"].(map[string]any); ok {
		if me, ok := repl["me"].(string); ok && me != "" {
			return me
		}
	}
	if host, ok := stats["host"].(string); ok {
		return host
	}
	return ""
}

// rebuildURI swaps the host portion of a mongodb:// URI for addr, preserving
// credentials and database, mirroring the original's ad-hoc URI rebuild.
func rebuildURI(uri, addr string) string {
	scheme, rest, credentials := "mongodb://", uri, ""
	if len(uri) > len(scheme) && uri[:len(scheme)] == scheme {
		rest = uri[len(scheme):]
	}
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		credentials = rest[:at+1]
		rest = rest[at+1:]
	}
	dbPart := ""
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		dbPart = rest[slash:]
	}
	return scheme + credentials + addr + dbPart
}

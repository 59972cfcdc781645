// Package connector implements model.Connector against a live MongoDB
// deployment using the official driver: a single mongod (MongoServer), an
// unsharded replica set (MongoCluster), and a mongos front-end to a sharded
// cluster (ShardedConnector).
package connector

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
	"github.com/anthrax3/mongodb-backup-system/internal/topology"
)

// Factory builds Connectors by classifying a freshly-dialed client's
// topology, implementing model.ConnectorFactory and topology.ConnectorFactory.
type Factory struct {
	// ConnectTimeout bounds the initial dial+ping. Defaults to 10s.
	ConnectTimeout time.Duration
}

func (f *Factory) connectTimeout() time.Duration {
	if f.ConnectTimeout > 0 {
		return f.ConnectTimeout
	}
	return 10 * time.Second
}

// Build dials uri and classifies the result (§3, §4.3).
func (f *Factory) Build(ctx context.Context, uri string, adminCreds bool) (model.Connector, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.connectTimeout())
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, mbserrors.Wrap(classifyConnectError(err), "connect", "connecting to "+redact(uri), err)
	}
	if err := client.Ping(dialCtx, readpref.PrimaryPreferred()); err != nil {
		return nil, mbserrors.Wrap(classifyConnectError(err), "ping", "pinging "+redact(uri), err)
	}

	base := &baseConnector{client: client, uri: uri, adminUser: adminUserFromURI(uri, adminCreds)}

	isMongos, err := base.isMongos(ctx)
	if err != nil {
		return nil, err
	}
	if isMongos {
		return &ShardedConnector{baseConnector: base}, nil
	}

	isReplica, err := base.isReplicaMember(ctx)
	if err != nil {
		return nil, err
	}
	if isReplica {
		return &MongoCluster{baseConnector: base}, nil
	}

	return &MongoServer{baseConnector: base}, nil
}

// ClusterView adapts a MongoCluster into the selector's read surface; any
// other connector variant has no cluster view to offer.
func (f *Factory) ClusterView(c model.Connector) (topology.ClusterView, bool) {
	cluster, ok := c.(*MongoCluster)
	return cluster, ok
}

// classifyConnectError distinguishes a driver authentication failure from a
// generic dial/network failure so the retry classifier can treat them
// differently (Authentication is Task-level retriable, same as Connection,
// but callers that branch on Kind still need the distinction).
func classifyConnectError(err error) mbserrors.Kind {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "auth error") || strings.Contains(msg, "authentication failed") || strings.Contains(msg, "saslstart") {
		return mbserrors.KindAuthentication
	}
	return mbserrors.KindConnection
}

// redact strips credentials from a mongodb:// URI before it reaches a log
// line or error message.
func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	u.User = url.User("****")
	return u.String()
}

func adminUserFromURI(uri string, adminCreds bool) string {
	if !adminCreds {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return ""
	}
	return u.User.Username()
}

// baseConnector holds the driver client and the introspection methods every
// variant shares.
type baseConnector struct {
	client    *mongo.Client
	uri       string
	adminUser string
}

func (c *baseConnector) Address() string {
	if u, err := url.Parse(c.uri); err == nil {
		return u.Host
	}
	return c.uri
}

func (c *baseConnector) Info() string {
	return redact(c.uri)
}

func (c *baseConnector) GetAuthAdminDB() (string, bool) {
	return c.adminUser, c.adminUser != ""
}

func (c *baseConnector) IsOnline(ctx context.Context) (bool, error) {
	err := c.client.Ping(ctx, readpref.PrimaryPreferred())
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (c *baseConnector) runAdminCommand(ctx context.Context, cmd bson.D, out any) error {
	return c.client.Database("admin").RunCommand(ctx, cmd).Decode(out)
}

func (c *baseConnector) isMasterResult(ctx context.Context) (bson.M, error) {
	var res bson.M
	if err := c.runAdminCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}, &res); err != nil {
		return nil, mbserrors.Wrap(mbserrors.KindConnection, "isMaster", "running isMaster", err)
	}
	return res, nil
}

func (c *baseConnector) isMongos(ctx context.Context) (bool, error) {
	res, err := c.isMasterResult(ctx)
	if err != nil {
		return false, err
	}
	msg, _ := res["msg"].(string)
	return msg == "isdbgrid", nil
}

func (c *baseConnector) isReplicaMember(ctx context.Context) (bool, error) {
	res, err := c.isMasterResult(ctx)
	if err != nil {
		return false, err
	}
	_, hasSetName := res["setName"]
	return hasSetName, nil
}

func (c *baseConnector) IsReplicaMember(ctx context.Context) (bool, error) {
	return c.isReplicaMember(ctx)
}

func (c *baseConnector) IsPrimary(ctx context.Context) (bool, error) {
	res, err := c.isMasterResult(ctx)
	if err != nil {
		return false, err
	}
	primary, _ := res["ismaster"].(bool)
	return primary, nil
}

func (c *baseConnector) IsSecondary(ctx context.Context) (bool, error) {
	res, err := c.isMasterResult(ctx)
	if err != nil {
		return false, err
	}
	secondary, _ := res["secondary"].(bool)
	return secondary, nil
}

func (c *baseConnector) IsConfigServer(ctx context.Context) (bool, error) {
	res, err := c.isMasterResult(ctx)
	if err != nil {
		return false, err
	}
	configsvr, _ := res["configsvr"].(bool)
	return configsvr, nil
}

func (c *baseConnector) GetMongoVersion(ctx context.Context) (string, error) {
	var res bson.M
	if err := c.runAdminCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}, &res); err != nil {
		return "", mbserrors.Wrap(mbserrors.KindConnection, "buildInfo", "running buildInfo", err)
	}
	version, _ := res["version"].(string)
	return version, nil
}

func (c *baseConnector) GetStats(ctx context.Context, onlyForDB string) (map[string]any, error) {
	dbName := onlyForDB
	if dbName == "" {
		dbName = "admin"
	}
	var res bson.M
	if err := c.client.Database(dbName).RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).Decode(&res); err != nil {
		return nil, mbserrors.Wrap(mbserrors.KindConnection, "dbStats", "running dbStats on "+dbName, err)
	}

	stats := map[string]any(res)
	stats["databaseName"] = dbName

	var repl bson.M
	if err := c.runAdminCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}, &repl); err == nil {
		stats["repl"] = map[string]any(repl)
	}
	return stats, nil
}

func (c *baseConnector) Fsynclock(ctx context.Context) error {
	var res bson.M
	if err := c.runAdminCommand(ctx, bson.D{{Key: "fsync", Value: 1}, {Key: "lock", Value: true}}, &res); err != nil {
		return mbserrors.Wrap(mbserrors.KindMongoLock, "fsynclock", "running fsync+lock", err)
	}
	return nil
}

func (c *baseConnector) Fsyncunlock(ctx context.Context) error {
	var res bson.M
	if err := c.runAdminCommand(ctx, bson.D{{Key: "fsyncUnlock", Value: 1}}, &res); err != nil {
		return mbserrors.Wrap(mbserrors.KindMongoLock, "fsyncunlock", "running fsyncUnlock", err)
	}
	return nil
}

func (c *baseConnector) IsServerLocked(ctx context.Context) (bool, error) {
	var res bson.M
	if err := c.runAdminCommand(ctx, bson.D{{Key: "currentOp", Value: 1}, {Key: "fsyncLock", Value: 1}}, &res); err != nil {
		return false, mbserrors.Wrap(mbserrors.KindMongoLock, "isServerLocked", "running currentOp", err)
	}
	locked, _ := res["fsyncLock"].(bool)
	return locked, nil
}

// MongoServer is a single mongod process: the only variant fsynclock and I/O
// suspend/resume are meaningful against (§4.4).
type MongoServer struct {
	*baseConnector
}

func (c *MongoServer) IsSingleServerConnector() {}

// MongoCluster is an unsharded replica set, addressed by its seed URI. It
// additionally implements topology.ClusterView so the member selector can
// enumerate candidates without a second connector type.
type MongoCluster struct {
	*baseConnector
}

func (c *MongoCluster) replSetStatus(ctx context.Context) (bson.M, error) {
	var res bson.M
	if err := c.runAdminCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}, &res); err != nil {
		return nil, mbserrors.Wrap(mbserrors.KindReplicaset, "replSetGetStatus", "running replSetGetStatus", err)
	}
	return res, nil
}

// staleWarningFactor is the multiple of maxLagSeconds beyond which a
// secondary is excluded from selection. A secondary lagging more than
// maxLagSeconds but within that bound stays eligible and is flagged TooStale.
const staleWarningFactor = 2

func (c *MongoCluster) members(ctx context.Context) ([]bson.M, error) {
	status, err := c.replSetStatus(ctx)
	if err != nil {
		return nil, err
	}
	raw, _ := status["members"].(bson.A)
	members := make([]bson.M, 0, len(raw))
	for _, m := range raw {
		if doc, ok := m.(bson.M); ok {
			members = append(members, doc)
		}
	}
	return members, nil
}

func (c *MongoCluster) Primary(ctx context.Context) (*topology.MemberCandidate, error) {
	members, err := c.members(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if state, _ := m["stateStr"].(string); state == "PRIMARY" {
			return &topology.MemberCandidate{Address: memberName(m)}, nil
		}
	}
	return nil, nil
}

func (c *MongoCluster) BestSecondary(ctx context.Context, maxLagSeconds float64) (*topology.MemberCandidate, error) {
	members, err := c.members(ctx)
	if err != nil {
		return nil, err
	}

	var primaryOptime time.Time
	for _, m := range members {
		if state, _ := m["stateStr"].(string); state == "PRIMARY" {
			primaryOptime = optimeOf(m)
		}
	}

	var best *topology.MemberCandidate
	for _, m := range members {
		state, _ := m["stateStr"].(string)
		if state != "SECONDARY" {
			continue
		}
		lag := primaryOptime.Sub(optimeOf(m)).Seconds()
		if lag < 0 {
			lag = 0
		}
		if maxLagSeconds > 0 && lag > maxLagSeconds*staleWarningFactor {
			continue
		}
		cand := &topology.MemberCandidate{
			Address:    memberName(m),
			Priority:   priorityOf(m),
			LagSeconds: lag,
			TooStale:   maxLagSeconds > 0 && lag > maxLagSeconds,
		}
		// Priority-0 secondaries win over others; lag breaks ties.
		candP0, bestP0 := cand.Priority == 0, best != nil && best.Priority == 0
		if best == nil || (candP0 && !bestP0) || (candP0 == bestP0 && cand.LagSeconds < best.LagSeconds) {
			best = cand
		}
	}
	return best, nil
}

func (c *MongoCluster) HasPriorityZeroMembers(ctx context.Context) (bool, error) {
	members, err := c.members(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if priorityOf(m) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func memberName(m bson.M) string {
	name, _ := m["name"].(string)
	return name
}

func priorityOf(m bson.M) int {
	switch p := m["priority"].(type) {
	case float64:
		return int(p)
	case int32:
		return int(p)
	case int:
		return p
	default:
		return 1
	}
}

func optimeOf(m bson.M) time.Time {
	optime, ok := m["optimeDate"].(time.Time)
	if !ok {
		return time.Time{}
	}
	return optime
}

// ShardedConnector is a mongos front-end to a sharded cluster: it owns the
// balancer controls and per-shard secondary selection, and tracks a
// balancer-activity monitor for the quiescence coordinator (§4.4).
type ShardedConnector struct {
	*baseConnector

	mu               sync.Mutex
	selectedShards   []model.SelectedSource
	monitorCancel    context.CancelFunc
	monitorActive    atomic.Bool
	monitorObservedActivity atomic.Bool
}

func (c *ShardedConnector) shardNames(ctx context.Context) ([]string, error) {
	cur, err := c.client.Database("config").Collection("shards").Find(ctx, bson.D{})
	if err != nil {
		return nil, mbserrors.Wrap(mbserrors.KindConnection, "listShards", "listing config.shards", err)
	}
	defer cur.Close(ctx)

	var shards []string
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		if host, ok := doc["host"].(string); ok {
			shards = append(shards, host)
		}
	}
	return shards, cur.Err()
}

// SelectShardBestSecondaries connects to each shard's replica set in turn
// and records its best secondary, hard-capped to maxLagSeconds (§4.3).
func (c *ShardedConnector) SelectShardBestSecondaries(ctx context.Context, maxLagSeconds float64) ([]model.SelectedSource, error) {
	shards, err := c.shardNames(ctx)
	if err != nil {
		return nil, err
	}

	var selected []model.SelectedSource
	factory := &Factory{}
	for _, shardHost := range shards {
		parts := strings.SplitN(shardHost, "/", 2)
		uri := shardHost
		if len(parts) == 2 {
			uri = "mongodb://" + parts[1]
		}
		conn, err := factory.Build(ctx, uri, false)
		if err != nil {
			return nil, fmt.Errorf("connecting to shard %s: %w", shardHost, err)
		}
		cluster, ok := conn.(*MongoCluster)
		if !ok {
			continue
		}
		best, err := cluster.BestSecondary(ctx, maxLagSeconds)
		if err != nil {
			return nil, fmt.Errorf("selecting best secondary on shard %s: %w", shardHost, err)
		}
		if best == nil {
			continue
		}
		selected = append(selected, model.SelectedSource{Address: best.Address, Role: "secondary", LagSecond: best.LagSeconds})
	}

	c.mu.Lock()
	c.selectedShards = selected
	c.mu.Unlock()
	return selected, nil
}

func (c *ShardedConnector) SelectedShardSecondaries() []model.SelectedSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.SelectedSource(nil), c.selectedShards...)
}

func (c *ShardedConnector) IsBalancerActive(ctx context.Context) (bool, error) {
	var res bson.M
	if err := c.client.Database("config").Collection("settings").FindOne(ctx, bson.D{{Key: "_id", Value: "balancer"}}).Decode(&res); err != nil {
		if err == mongo.ErrNoDocuments {
			return true, nil
		}
		return false, mbserrors.Wrap(mbserrors.KindBalancerActive, "isBalancerActive", "reading config.settings balancer doc", err)
	}
	stopped, _ := res["stopped"].(bool)
	return !stopped, nil
}

func (c *ShardedConnector) StopBalancer(ctx context.Context) error {
	_, err := c.client.Database("config").Collection("settings").UpdateOne(ctx,
		bson.D{{Key: "_id", Value: "balancer"}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "stopped", Value: true}}}},
		options.Update().SetUpsert(true))
	if err != nil {
		return mbserrors.Wrap(mbserrors.KindBalancerActive, "stopBalancer", "setting balancer stopped", err)
	}
	return nil
}

func (c *ShardedConnector) ResumeBalancer(ctx context.Context) error {
	_, err := c.client.Database("config").Collection("settings").UpdateOne(ctx,
		bson.D{{Key: "_id", Value: "balancer"}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "stopped", Value: false}}}},
		options.Update().SetUpsert(true))
	if err != nil {
		return mbserrors.Wrap(mbserrors.KindBalancerActive, "resumeBalancer", "setting balancer resumed", err)
	}
	return nil
}

// StartBalancerActivityMonitor polls the balancer's active-window state every
// few seconds until StopBalancerActivityMonitor is called, recording whether
// it ever observed activity (§4.4, "balancer activity monitor").
func (c *ShardedConnector) StartBalancerActivityMonitor(ctx context.Context) {
	monitorCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.monitorCancel = cancel
	c.mu.Unlock()
	c.monitorActive.Store(true)
	c.monitorObservedActivity.Store(false)
	start := time.Now()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				var res bson.M
				err := c.client.Database("config").Collection("actionlog").FindOne(
					monitorCtx, bson.D{{Key: "what", Value: "balancer.round"}, {Key: "time", Value: bson.D{{Key: "$gt", Value: start}}}},
					options.FindOne().SetSort(bson.D{{Key: "time", Value: -1}}),
				).Decode(&res)
				if err == nil {
					c.monitorObservedActivity.Store(true)
				}
			}
		}
	}()
}

func (c *ShardedConnector) StopBalancerActivityMonitor() {
	c.mu.Lock()
	cancel := c.monitorCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.monitorActive.Store(false)
}

func (c *ShardedConnector) BalancerActiveDuringMonitor() bool {
	return c.monitorObservedActivity.Load()
}

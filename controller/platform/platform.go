// Package platform deploys and removes the per-group worker services and
// the router frontend on a container backend, and knows how to reach the
// services it deploys.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/openfactoryio/serving-layer/controller/grouping"
	"github.com/openfactoryio/serving-layer/pkg/config"
)

const (
	// RouterName is the service/container name of the router frontend.
	RouterName = "serving-layer-router"

	// ServicePort is the port every worker and the router listen on
	// inside the overlay network.
	ServicePort = 5555

	readyProbeTimeout = 2 * time.Second
)

// Config is the subset of the runtime settings the deployment backends
// need: images, placement, and the environment injected into services.
type Config struct {
	Network             string
	GroupImage          string
	GroupReplicas       uint64
	GroupCPULimit       float64
	GroupCPUReservation float64
	GroupPortBase       int

	RouterImage          string
	RouterReplicas       uint64
	RouterCPULimit       float64
	RouterCPUReservation float64

	Environment   string
	SwarmNodeHost string

	KafkaBroker        string
	KSQLDBURL          string
	KSQLDBAssetsStream string
	KSQLDBUNSMap       string
	LogLevel           string
}

// FromSettings projects the backend-relevant subset of the settings.
func FromSettings(s config.Settings) Config {
	return Config{
		Network:              s.DockerNetwork,
		GroupImage:           s.GroupImage,
		GroupReplicas:        s.GroupReplicas,
		GroupCPULimit:        s.GroupCPULimit,
		GroupCPUReservation:  s.GroupCPUReservation,
		GroupPortBase:        s.GroupPortBase,
		RouterImage:          s.RouterImage,
		RouterReplicas:       s.RouterReplicas,
		RouterCPULimit:       s.RouterCPULimit,
		RouterCPUReservation: s.RouterCPUReservation,
		Environment:          s.Environment,
		SwarmNodeHost:        s.SwarmNodeHost,
		KafkaBroker:          s.KafkaBroker,
		KSQLDBURL:            s.KSQLDBURL,
		KSQLDBAssetsStream:   s.KSQLDBAssetsStream,
		KSQLDBUNSMap:         s.KSQLDBUNSMap,
		LogLevel:             s.LogLevel,
	}
}

var nonAlphanumeric = regexp.MustCompile("[^a-z0-9]+")

// sanitizeGroup maps a group name onto the container-name alphabet:
// lower-cased, non-alphanumeric runs collapsed to "-", leading and
// trailing "-" trimmed.
func sanitizeGroup(group string) string {
	return strings.Trim(nonAlphanumeric.ReplaceAllString(strings.ToLower(group), "-"), "-")
}

// ServiceName returns the deterministic service/container name of a
// group's worker.
func ServiceName(group string) string {
	return "stream-api-group-" + sanitizeGroup(group)
}

// hostPort maps a group onto a stable host port in
// [base, base+1000). Only used in the local environment, where services
// are reached through ports published on the host.
func hostPort(base int, group string) int {
	h := fnv.New32a()
	h.Write([]byte(group))
	return base + int(h.Sum32()%1000)
}

// serviceURL composes the URL clients use to reach a group's worker: the
// published host port in the local environment, the service name on the
// shared network everywhere else.
func serviceURL(cfg Config, group string) string {
	if cfg.Environment == config.EnvLocal {
		return fmt.Sprintf("http://%s:%d", cfg.SwarmNodeHost, hostPort(cfg.GroupPortBase, group))
	}
	return fmt.Sprintf("http://%s:%d", ServiceName(group), ServicePort)
}

// workerEnv is the environment injected into a group's worker service.
func workerEnv(cfg Config, group string) []string {
	return []string{
		"KAFKA_BROKER=" + cfg.KafkaBroker,
		"KAFKA_TOPIC=" + grouping.TopicName(group),
		"KAFKA_CONSUMER_GROUP_ID=" + grouping.ConsumerGroupName(group),
		"KSQLDB_URL=" + cfg.KSQLDBURL,
		"LOG_LEVEL=" + cfg.LogLevel,
	}
}

// routerEnv is the environment injected into the router frontend.
func routerEnv(cfg Config) []string {
	return []string{
		"KSQLDB_URL=" + cfg.KSQLDBURL,
		"KAFKA_BROKER=" + cfg.KafkaBroker,
		"KSQLDB_ASSETS_STREAM=" + cfg.KSQLDBAssetsStream,
		"KSQLDB_UNS_MAP=" + cfg.KSQLDBUNSMap,
		"LOG_LEVEL=" + cfg.LogLevel,
		"ENVIRONMENT=" + config.EnvProduction,
	}
}

// probeReady asks a deployed service's /ready endpoint whether it is
// serving. Failures of any kind are reported as reasons, never as panics:
// readiness is data for the aggregate report.
func probeReady(ctx context.Context, httpClient *http.Client, baseURL string) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/ready", nil)
	if err != nil {
		return false, err.Error()
	}
	rsp, err := httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer rsp.Body.Close()

	switch rsp.StatusCode {
	case http.StatusOK:
		io.Copy(io.Discard, rsp.Body)
		return true, ""
	case http.StatusServiceUnavailable:
		var doc struct {
			Issues map[string]string `json:"issues"`
		}
		if err := json.NewDecoder(rsp.Body).Decode(&doc); err == nil && len(doc.Issues) > 0 {
			keys := make([]string, 0, len(doc.Issues))
			for key := range doc.Issues {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			reasons := make([]string, 0, len(keys))
			for _, key := range keys {
				reasons = append(reasons, key+": "+doc.Issues[key])
			}
			return false, strings.Join(reasons, "; ")
		}
		return false, "service reports not ready"
	case http.StatusNotFound:
		return false, "no readiness surface"
	default:
		return false, fmt.Sprintf("unexpected readiness response: %s", rsp.Status)
	}
}

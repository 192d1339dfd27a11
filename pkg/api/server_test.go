package api_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/incident-commander/coordinator/pkg/agent"
	"github.com/incident-commander/coordinator/pkg/api"
	"github.com/incident-commander/coordinator/pkg/breaker"
	"github.com/incident-commander/coordinator/pkg/bus"
	"github.com/incident-commander/coordinator/pkg/consensus"
	"github.com/incident-commander/coordinator/pkg/eventstore/memory"
	"github.com/incident-commander/coordinator/pkg/hub"
	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/metricsservice"
	"github.com/incident-commander/coordinator/pkg/orchestrator"
	"github.com/incident-commander/coordinator/pkg/provider"
	"github.com/incident-commander/coordinator/pkg/ratelimit"
	"github.com/incident-commander/coordinator/pkg/sharedutil/retry"
)

func TestAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "API Suite")
}

type fakeTransport struct{}

func (fakeTransport) Name() string { return "test" }

func (fakeTransport) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	return provider.Response{Content: "ok", Model: "test-model", TokensIn: 1, TokensOut: 1}, nil
}

func newRunner(role incident.Role) *agent.Runner {
	facade := provider.New(provider.Config{})
	cb := breaker.New(breaker.Config{Name: string(role)})
	facade.Register("test", fakeTransport{}, cb, provider.CostRates{}, 0)
	limiter := ratelimit.New(ratelimit.Config{Capacity: 1000, RefillRate: 1000})
	return agent.New(agent.Config{
		Role:         role,
		ProviderName: "test",
		Facade:       facade,
		Limiter:      limiter,
		LimiterKey:   "test",
		Policy:       retry.Default().WithMaxAttempts(1),
	})
}

func allRunners() map[incident.Role]*agent.Runner {
	return map[incident.Role]*agent.Runner{
		incident.RoleDetection:     newRunner(incident.RoleDetection),
		incident.RoleDiagnosis:     newRunner(incident.RoleDiagnosis),
		incident.RolePrediction:    newRunner(incident.RolePrediction),
		incident.RoleResolution:    newRunner(incident.RoleResolution),
		incident.RoleCommunication: newRunner(incident.RoleCommunication),
	}
}

// selfSignedTLSConfig builds an in-memory, ephemeral certificate so
// tests never touch the filesystem for TLS material.
func selfSignedTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).ToNot(HaveOccurred())

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	Expect(err).ToNot(HaveOccurred())

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func newTestServer() (*api.Server, func()) {
	store := memory.New()
	b := bus.New(bus.Config{})
	h := hub.New(hub.Config{MaxBatchSize: 1, MaxBatchLatency: time.Millisecond})
	orch := orchestrator.New(orchestrator.Config{
		Workers: 2,
		Store:   store,
		Bus:     b,
		Hub:     h,
		Runners: allRunners(),
		Consensus: consensus.Config{
			Weights: map[incident.Role]float64{
				incident.RoleDetection:  0.25,
				incident.RoleDiagnosis:  0.25,
				incident.RolePrediction: 0.25,
				incident.RoleResolution: 0.25,
			},
			ConsensusThreshold: 0.5,
		},
	})
	metrics := metricsservice.New(metricsservice.Config{Store: store, Bus: b, Hub: h})

	srv := api.New(api.Config{
		Orchestrator: orch,
		Metrics:      metrics,
		Hub:          h,
		Bus:          b,
		Store:        store,
		TLSConfig:    selfSignedTLSConfig(),
	})
	return srv, orch.Close
}

// frameClient is a minimal client implementation of design §6's wire
// protocol, used only to drive the Server under test the way a real
// peer would — over the wire, not via package-internal calls.
type frameClient struct {
	conn net.Conn
}

func dialFrameClient(addr net.Addr) (*frameClient, error) {
	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return nil, err
	}
	return &frameClient{conn: conn}, nil
}

func (c *frameClient) call(method string, payload interface{}) (api.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return api.Frame{}, err
	}
	req := api.Frame{V: 1, ID: method + "-1", Type: api.FrameCall, Method: method, Payload: raw}
	if err := c.write(req); err != nil {
		return api.Frame{}, err
	}
	return c.read()
}

func (c *frameClient) write(f api.Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := c.conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err = c.conn.Write(body)
	return err
}

func (c *frameClient) read() (api.Frame, error) {
	var prefix [4]byte
	if _, err := readFull(c.conn, prefix[:]); err != nil {
		return api.Frame{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	body := make([]byte, n)
	if _, err := readFull(c.conn, body); err != nil {
		return api.Frame{}, err
	}
	var f api.Frame
	err := json.Unmarshal(body, &f)
	return f, err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *frameClient) close() { c.conn.Close() }

var _ = Describe("Server", func() {
	var (
		srv       *api.Server
		orchClose func()
		ctx       context.Context
		cancel    context.CancelFunc
		addr      net.Addr
		client    *frameClient
	)

	BeforeEach(func() {
		srv, orchClose = newTestServer()
		ctx, cancel = context.WithCancel(context.Background())

		var err error
		addr, err = srv.Listen("127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		go srv.Serve(ctx)

		client, err = dialFrameClient(addr)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		client.close()
		cancel()
		orchClose()
	})

	It("submits an alert over the framed protocol and can then fetch it", func() {
		resp, err := client.call("SubmitAlert", api.SubmitAlertRequest{
			Source:      "monitoring",
			Severity:    "HIGH",
			Fingerprint: "fp-wire-1",
			Payload:     []byte(`{"service":"db"}`),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Type).To(Equal(api.FrameResult))

		var sub api.SubmitAlertResponse
		Expect(json.Unmarshal(resp.Payload, &sub)).To(Succeed())
		Expect(sub.IncidentID).ToNot(BeEmpty())

		getResp, err := client.call("GetIncident", api.GetIncidentRequest{ID: sub.IncidentID})
		Expect(err).ToNot(HaveOccurred())
		Expect(getResp.Type).To(Equal(api.FrameResult))

		var snap api.IncidentSnapshot
		Expect(json.Unmarshal(getResp.Payload, &snap)).To(Succeed())
		Expect(snap.Fingerprint).To(Equal("fp-wire-1"))
	})

	It("returns an error frame for an unknown incident id", func() {
		resp, err := client.call("GetIncident", api.GetIncidentRequest{ID: "does-not-exist"})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Type).To(Equal(api.FrameError))
	})

	It("rejects a malformed SubmitAlert with a validation error frame", func() {
		resp, err := client.call("SubmitAlert", api.SubmitAlertRequest{Source: "monitoring"})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Type).To(Equal(api.FrameError))
	})

	It("cancels an incident after opening it", func() {
		resp, err := client.call("SubmitAlert", api.SubmitAlertRequest{
			Source: "monitoring", Severity: "LOW", Fingerprint: "fp-wire-2", Payload: []byte(`{}`),
		})
		Expect(err).ToNot(HaveOccurred())
		var sub api.SubmitAlertResponse
		Expect(json.Unmarshal(resp.Payload, &sub)).To(Succeed())

		cancelResp, err := client.call("CancelIncident", api.CancelIncidentRequest{ID: sub.IncidentID})
		Expect(err).ToNot(HaveOccurred())
		Expect(cancelResp.Type).To(Equal(api.FrameResult))

		var ack api.Ack
		Expect(json.Unmarshal(cancelResp.Payload, &ack)).To(Succeed())
		Expect(ack.OK).To(BeTrue())
	})

	It("answers a Health call describing dependency readiness", func() {
		resp, err := client.call("Health", struct{}{})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Type).To(Equal(api.FrameResult))

		var report api.HealthReport
		Expect(json.Unmarshal(resp.Payload, &report)).To(Succeed())
		Expect(report.Alive).To(BeTrue())
		Expect(report.Dependencies["eventstore"]).To(BeTrue())
	})

	It("answers a GetMetrics call with the MetricsService snapshot shape", func() {
		resp, err := client.call("GetMetrics", struct{}{})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Type).To(Equal(api.FrameResult))

		var snap metricsservice.Snapshot
		Expect(json.Unmarshal(resp.Payload, &snap)).To(Succeed())
	})
})

var _ = Describe("Router", func() {
	It("serves /healthz over plain HTTP", func() {
		srv, orchClose := newTestServer()
		defer orchClose()

		ts := httptest.NewServer(srv.Router())
		defer ts.Close()

		resp, err := ts.Client().Get(ts.URL + "/healthz")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(200))

		var report api.HealthReport
		Expect(json.NewDecoder(resp.Body).Decode(&report)).To(Succeed())
		Expect(report.Alive).To(BeTrue())
	})

	It("serves /metrics over plain HTTP", func() {
		srv, orchClose := newTestServer()
		defer orchClose()

		ts := httptest.NewServer(srv.Router())
		defer ts.Close()

		resp, err := ts.Client().Get(ts.URL + "/metrics")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(200))
	})
})

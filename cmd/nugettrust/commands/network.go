package commands

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nugettrust/auth"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/cli"
	nthttp "github.com/willibrandon/nugettrust/http"
	v3 "github.com/willibrandon/nugettrust/protocol/v3"
	"github.com/willibrandon/nugettrust/resilience"
)

// roundTripper replaces the network transport when set. Tests point it at
// local TLS servers.
var roundTripper http.RoundTripper

// networkOptions configures the client used for timestamp, OCSP, CRL and
// service index requests.
type networkOptions struct {
	timeout time.Duration
	retries int
	http3   bool
	rps     float64
}

func (o *networkOptions) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "Timeout for each network request")
	cmd.Flags().IntVar(&o.retries, "retries", 3, "Retries for failed network requests")
	cmd.Flags().BoolVar(&o.http3, "http3", false, "Try HTTP/3 before HTTP/2 for network requests")
	cmd.Flags().Float64Var(&o.rps, "requests-per-second", 0, "Limit requests to each timestamp, OCSP or CRL host (0 is unlimited)")
}

func (o *networkOptions) client() *nthttp.Client {
	opts := []nthttp.Option{
		nthttp.WithTimeout(o.timeout),
		nthttp.WithMaxRetries(o.retries),
		nthttp.WithLogger(cli.Logger),
		nthttp.WithTracing(),
		nthttp.WithCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	if o.http3 {
		opts = append(opts, nthttp.WithHTTP3())
	}
	if o.rps > 0 {
		rl := resilience.DefaultRateLimitConfig()
		rl.RequestsPerSecond = o.rps
		opts = append(opts, nthttp.WithRateLimit(rl))
	}
	if roundTripper != nil {
		opts = append(opts, nthttp.WithRoundTripper(roundTripper))
	}
	return nthttp.NewClientWithOptions(opts...)
}

// feedOptions adds feed credentials to the network options for commands
// that read a repository's service index.
type feedOptions struct {
	networkOptions
	username string
	password string
	token    string
}

func (o *feedOptions) register(cmd *cobra.Command) {
	o.networkOptions.register(cmd)
	cmd.Flags().StringVar(&o.username, "username", "", "Feed user name")
	cmd.Flags().StringVar(&o.password, "password", "", "Feed password or personal access token")
	cmd.Flags().StringVar(&o.token, "token", "", "Feed bearer token")
}

func (o *feedOptions) serviceIndexClient() *v3.ServiceIndexClient {
	var opts []v3.ClientOption
	if a := auth.FromCredentials(o.username, o.password, o.token); a != nil {
		opts = append(opts, v3.WithAuthenticator(a))
	}
	return v3.NewServiceIndexClient(o.client(), opts...)
}

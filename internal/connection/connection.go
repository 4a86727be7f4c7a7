package connection

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	"github.com/opensearch-project/opensearch-go/v4/signer"
	"github.com/opensearch-project/opensearch-go/v4/signer/awsv2"
)

const (
	// DefaultTrackingURI is where a local development MLflow server listens.
	DefaultTrackingURI = "http://localhost:5000"

	// DefaultAwsService is the SigV4 service name for SageMaker managed MLflow.
	DefaultAwsService = "sagemaker"
)

// Environment variables read by FromEnv.
const (
	EnvTrackingURI = "MLFLOW_TRACKING_URI"
	EnvUsername    = "MLFLOW_TRACKING_USERNAME"
	EnvPassword    = "MLFLOW_TRACKING_PASSWORD"
	EnvToken       = "MLFLOW_TRACKING_TOKEN"
	EnvInsecureTLS = "MLFLOW_INSECURE_SKIP_TLS_VERIFY"
	EnvUseSigV4    = "MLFLOW_PROBE_SIGV4"
	EnvProfile     = "AWS_PROFILE"
	EnvRegion      = "AWS_REGION"
	EnvAwsService  = "MLFLOW_PROBE_AWS_SERVICE"
)

// Settings describes how to reach the tracking server. Null values are unset.
type Settings struct {
	TrackingURI types.String
	Username    types.String
	Password    types.String
	Token       types.String
	InsecureTLS types.Bool
	UseSigV4    types.Bool
	Profile     types.String
	Region      types.String
	AwsService  types.String
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv reads Settings from the environment.
func FromEnv(lookup LookupFunc) (Settings, diag.Diagnostics) {
	var diags diag.Diagnostics

	str := func(key string) types.String {
		if v, ok := lookup(key); ok {
			return types.StringValue(v)
		}
		return types.StringNull()
	}

	boolean := func(key string) types.Bool {
		v, ok := lookup(key)
		if !ok || v == "" {
			return types.BoolNull()
		}

		b, err := strconv.ParseBool(v)
		if err != nil {
			diags.AddError(
				"Invalid boolean setting",
				fmt.Sprintf("%s must be a boolean, got %q", key, v),
			)
			return types.BoolNull()
		}

		return types.BoolValue(b)
	}

	settings := Settings{
		TrackingURI: str(EnvTrackingURI),
		Username:    str(EnvUsername),
		Password:    str(EnvPassword),
		Token:       str(EnvToken),
		InsecureTLS: boolean(EnvInsecureTLS),
		UseSigV4:    boolean(EnvUseSigV4),
		Profile:     str(EnvProfile),
		Region:      str(EnvRegion),
		AwsService:  str(EnvAwsService),
	}

	return settings, diags
}

// URI returns the tracking URI, falling back to DefaultTrackingURI.
func (s Settings) URI() string {
	if isSet(s.TrackingURI) {
		return s.TrackingURI.ValueString()
	}
	return DefaultTrackingURI
}

// Validate reports every problem with the settings at once.
func (s Settings) Validate() diag.Diagnostics {
	var diags diag.Diagnostics

	u, err := url.Parse(s.URI())
	switch {
	case err != nil:
		diags.AddError("Invalid tracking URI", fmt.Sprintf("Could not parse %q: %s", s.URI(), err))
	case u.Scheme != "http" && u.Scheme != "https":
		diags.AddError("Invalid tracking URI", fmt.Sprintf("Scheme must be http or https, got %q", u.Scheme))
	case u.Host == "":
		diags.AddError("Invalid tracking URI", fmt.Sprintf("%q has no host", s.URI()))
	}

	basicAuth := isSet(s.Username) || isSet(s.Password)

	if isSet(s.Username) != isSet(s.Password) {
		diags.AddError(
			"Incomplete basic auth",
			fmt.Sprintf("%s and %s must be set together", EnvUsername, EnvPassword),
		)
	}

	if basicAuth && isSet(s.Token) {
		diags.AddError(
			"Conflicting credentials",
			fmt.Sprintf("%s cannot be combined with basic auth", EnvToken),
		)
	}

	if s.UseSigV4.ValueBool() && (basicAuth || isSet(s.Token)) {
		diags.AddError(
			"Conflicting credentials",
			"SigV4 signing cannot be combined with basic auth or a bearer token",
		)
	}

	return diags
}

// Config builds the transport configuration for the tracking server.
// Retries stay disabled: every request is attempted exactly once.
func (s Settings) Config(ctx context.Context) (opensearchapi.Config, diag.Diagnostics) {
	diags := s.Validate()
	if diags.HasError() {
		return opensearchapi.Config{}, diags
	}

	config := opensearch.Config{
		Addresses:    []string{s.URI()},
		DisableRetry: true,
	}

	if s.InsecureTLS.ValueBool() {
		config.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // For testing only. Use certificate for validation.
		}
	}

	if isSet(s.Username) {
		config.Username = s.Username.ValueString()
		config.Password = s.Password.ValueString()
	}

	if isSet(s.Token) {
		config.Header = http.Header{
			"Authorization": []string{"Bearer " + s.Token.ValueString()},
		}
	}

	if s.UseSigV4.ValueBool() {
		var opts []func(*awsconfig.LoadOptions) error

		if isSet(s.Profile) {
			opts = append(opts, awsconfig.WithSharedConfigProfile(s.Profile.ValueString()))
		}
		if isSet(s.Region) {
			opts = append(opts, awsconfig.WithRegion(s.Region.ValueString()))
		}

		awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			diags.AddError("Client Error", fmt.Sprintf("Unable to get AWS config, got error: %s", err))
			return opensearchapi.Config{}, diags
		}

		requestSigner, err := NewSigner(awsConfig, s.AwsService)
		if err != nil {
			diags.AddError("Unable to create SigV4 signer", err.Error())
			return opensearchapi.Config{}, diags
		}

		config.Signer = requestSigner
	}

	return opensearchapi.Config{
		Client: config,
	}, diags
}

// NewSigner returns a SigV4 signer for service, defaulting to DefaultAwsService.
func NewSigner(awsConfig aws.Config, service types.String) (signer.Signer, error) {
	name := DefaultAwsService
	if isSet(service) {
		name = service.ValueString()
	}

	return awsv2.NewSignerWithService(awsConfig, name)
}

func isSet(v types.String) bool {
	return !v.IsNull() && !v.IsUnknown() && v.ValueString() != ""
}

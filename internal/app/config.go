package app

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/fleetmaint/dispatchd/internal/model"
)

var (
	ErrConfig = errors.New("configuration error")
)

const (
	DefaultListenAddress = "0.0.0.0:8000"
	DefaultStoreDBPath   = "dispatchd.sqlite"

	// SessionManagerPath is the create-session endpoint path on the session manager.
	SessionManagerPath = "/session-manager/sessions"
)

// Configuration holds application configuration read from a YAML or set by env variables.
//
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// ListenAddress is the HTTP API listen address.
	ListenAddress string `mapstructure:"listen_address"`

	// StoreOptions defines the durable task store configuration parameters.
	StoreOptions *StoreOptions `mapstructure:"store"`

	// FleetMonitorOptions defines the asset availability snapshot client
	// configuration parameters.
	FleetMonitorOptions *FleetMonitorOptions `mapstructure:"fleet_monitor"`

	// SessionManagerOptions defines the correlation session manager client
	// configuration parameters.
	SessionManagerOptions *SessionManagerOptions `mapstructure:"session_manager"`

	// NatsOptions defines the NATs message bus configuration parameters.
	NatsOptions *NatsOptions `mapstructure:"nats"`

	// TransferOptions defines the file transfer endpoint parameters used
	// to construct package download and log upload URLs.
	TransferOptions *TransferOptions `mapstructure:"transfer"`
}

// StoreOptions defines configuration for the durable task store.
type StoreOptions struct {
	// Kind is the store backend, sqlite is the only supported parameter.
	Kind string `mapstructure:"kind"`
	// DBPath is the sqlite database file path.
	DBPath string `mapstructure:"db_path"`
}

// FleetMonitorOptions defines configuration for the availability snapshot client.
type FleetMonitorOptions struct {
	EndpointURL *url.URL
	Endpoint    string `mapstructure:"endpoint"`
	AuthToken   string `mapstructure:"auth_token"`
}

// SessionManagerOptions defines configuration for the session manager client.
type SessionManagerOptions struct {
	EndpointURL *url.URL
	Endpoint    string `mapstructure:"endpoint"`
}

// NatsOptions defines the NATs message bus configuration parameters.
type NatsOptions struct {
	URL string `mapstructure:"url"`
	// SubjectPrefix is the NATS subject token command topics are mapped under.
	SubjectPrefix string `mapstructure:"subject_prefix"`
	// StreamName is the JetStream stream retaining published commands.
	StreamName     string        `mapstructure:"stream_name"`
	StreamUser     string        `mapstructure:"stream_user"`
	StreamPass     string        `mapstructure:"stream_pass"`
	CredsFile      string        `mapstructure:"creds_file"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// TransferOptions defines the file transfer endpoints for firmware
// download and diagnostic log upload.
type TransferOptions struct {
	// DownloadProtocol is the transfer protocol devices download packages with.
	DownloadProtocol string `mapstructure:"download_protocol"`
	// DownloadHost is the package host devices download from.
	DownloadHost string `mapstructure:"download_host"`
	// DownloadBasePath is the path prefix packages are served under.
	DownloadBasePath string `mapstructure:"download_base_path"`
	// DownloadUsername, DownloadPassword are optional transfer credentials.
	DownloadUsername string `mapstructure:"download_username"`
	DownloadPassword string `mapstructure:"download_password"`

	// UploadProtocol is the transfer protocol devices push logs with.
	UploadProtocol string `mapstructure:"upload_protocol"`
	// UploadHost is the endpoint devices push diagnostic logs to.
	UploadHost string `mapstructure:"upload_host"`
	// UploadBasePath is the path prefix log artifacts are stored under.
	UploadBasePath string `mapstructure:"upload_base_path"`
	UploadUsername string `mapstructure:"upload_username"`
	UploadPassword string `mapstructure:"upload_password"`
}

// NATs streaming configuration
var (
	defaultNatsConnectTimeout = 100 * time.Millisecond
	defaultNatsSubjectPrefix  = "fleet"
	defaultNatsStreamName     = "device-commands"
)

// LoadConfiguration loads application configuration
//
// Reads in the cfgFile when available and overrides from environment variables.
func (a *App) LoadConfiguration(cfgFile string) error {
	a.v.SetConfigType("yaml")
	a.v.SetEnvPrefix(model.AppName)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	// these are initialized here so viper can read in configuration from env vars
	a.Config.StoreOptions = &StoreOptions{}
	a.Config.FleetMonitorOptions = &FleetMonitorOptions{}
	a.Config.SessionManagerOptions = &SessionManagerOptions{}
	a.Config.NatsOptions = &NatsOptions{}
	a.Config.TransferOptions = &TransferOptions{}

	if cfgFile != "" {
		fh, err := os.Open(cfgFile)
		if err != nil {
			return errors.Wrap(ErrConfig, err.Error())
		}

		if err = a.v.ReadConfig(fh); err != nil {
			return errors.Wrap(ErrConfig, "ReadConfig error:"+err.Error())
		}
	}

	a.v.SetDefault("log.level", model.LogLevelInfo)
	a.v.SetDefault("listen.address", DefaultListenAddress)

	if err := a.envBindVars(); err != nil {
		return errors.Wrap(ErrConfig, "env var bind error:"+err.Error())
	}

	if err := a.v.Unmarshal(a.Config); err != nil {
		return errors.Wrap(ErrConfig, "Unmarshal error: "+err.Error())
	}

	a.envVarAppOverrides()

	if err := a.envVarStoreOverrides(); err != nil {
		return errors.Wrap(ErrConfig, "store env overrides error:"+err.Error())
	}

	if err := a.envVarFleetMonitorOverrides(); err != nil {
		return errors.Wrap(ErrConfig, "fleet monitor env overrides error:"+err.Error())
	}

	if err := a.envVarSessionManagerOverrides(); err != nil {
		return errors.Wrap(ErrConfig, "session manager env overrides error:"+err.Error())
	}

	if err := a.envVarNatsOverrides(); err != nil {
		return errors.Wrap(ErrConfig, "nats env overrides error:"+err.Error())
	}

	if err := a.envVarTransferOverrides(); err != nil {
		return errors.Wrap(ErrConfig, "transfer env overrides error:"+err.Error())
	}

	return nil
}

func (a *App) envVarAppOverrides() {
	if a.v.GetString("log.level") != "" {
		a.Config.LogLevel = a.v.GetString("log.level")
	}

	if a.v.GetString("listen.address") != "" {
		a.Config.ListenAddress = a.v.GetString("listen.address")
	}
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (a *App) envBindVars() error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(a.Config, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten config")
	}

	for k := range flat {
		if err := a.v.BindEnv(k); err != nil {
			return errors.Wrap(ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

func (a *App) envVarStoreOverrides() error {
	if a.v.GetString("store.kind") != "" {
		a.Config.StoreOptions.Kind = a.v.GetString("store.kind")
	}

	if a.Config.StoreOptions.Kind == "" {
		a.Config.StoreOptions.Kind = "sqlite"
	}

	if a.v.GetString("store.db.path") != "" {
		a.Config.StoreOptions.DBPath = a.v.GetString("store.db.path")
	}

	if a.Config.StoreOptions.DBPath == "" {
		a.Config.StoreOptions.DBPath = DefaultStoreDBPath
	}

	return nil
}

func (a *App) envVarFleetMonitorOverrides() error {
	if a.v.GetString("fleet.monitor.endpoint") != "" {
		a.Config.FleetMonitorOptions.Endpoint = a.v.GetString("fleet.monitor.endpoint")
	}

	if a.Config.FleetMonitorOptions.Endpoint == "" {
		return errors.New("missing parameter: fleet_monitor.endpoint")
	}

	endpointURL, err := url.Parse(a.Config.FleetMonitorOptions.Endpoint)
	if err != nil {
		return errors.New("fleet monitor endpoint URL error: " + err.Error())
	}

	a.Config.FleetMonitorOptions.EndpointURL = endpointURL

	if a.v.GetString("fleet.monitor.auth.token") != "" {
		a.Config.FleetMonitorOptions.AuthToken = a.v.GetString("fleet.monitor.auth.token")
	}

	return nil
}

func (a *App) envVarSessionManagerOverrides() error {
	if a.v.GetString("session.manager.endpoint") != "" {
		a.Config.SessionManagerOptions.Endpoint = a.v.GetString("session.manager.endpoint")
	}

	if a.Config.SessionManagerOptions.Endpoint == "" {
		return errors.New("missing parameter: session_manager.endpoint")
	}

	endpointURL, err := url.Parse(a.Config.SessionManagerOptions.Endpoint)
	if err != nil {
		return errors.New("session manager endpoint URL error: " + err.Error())
	}

	a.Config.SessionManagerOptions.EndpointURL = endpointURL

	return nil
}

func (a *App) envVarNatsOverrides() error {
	if a.v.GetString("nats.url") != "" {
		a.Config.NatsOptions.URL = a.v.GetString("nats.url")
	}

	if a.Config.NatsOptions.URL == "" {
		return errors.New("missing parameter: nats.url")
	}

	if a.v.GetString("nats.subject.prefix") != "" {
		a.Config.NatsOptions.SubjectPrefix = a.v.GetString("nats.subject.prefix")
	}

	if a.Config.NatsOptions.SubjectPrefix == "" {
		a.Config.NatsOptions.SubjectPrefix = defaultNatsSubjectPrefix
	}

	if a.v.GetString("nats.stream.name") != "" {
		a.Config.NatsOptions.StreamName = a.v.GetString("nats.stream.name")
	}

	if a.Config.NatsOptions.StreamName == "" {
		a.Config.NatsOptions.StreamName = defaultNatsStreamName
	}

	if a.v.GetString("nats.stream.user") != "" {
		a.Config.NatsOptions.StreamUser = a.v.GetString("nats.stream.user")
	}

	if a.v.GetString("nats.stream.pass") != "" {
		a.Config.NatsOptions.StreamPass = a.v.GetString("nats.stream.pass")
	}

	if a.v.GetString("nats.creds.file") != "" {
		a.Config.NatsOptions.CredsFile = a.v.GetString("nats.creds.file")
	}

	if a.v.GetDuration("nats.connect.timeout") != 0 {
		a.Config.NatsOptions.ConnectTimeout = a.v.GetDuration("nats.connect.timeout")
	}

	if a.Config.NatsOptions.ConnectTimeout == 0 {
		a.Config.NatsOptions.ConnectTimeout = defaultNatsConnectTimeout
	}

	return nil
}

// nolint:gocyclo // parameter validation is cyclomatic
func (a *App) envVarTransferOverrides() error {
	if a.v.GetString("transfer.download.protocol") != "" {
		a.Config.TransferOptions.DownloadProtocol = a.v.GetString("transfer.download.protocol")
	}

	if a.Config.TransferOptions.DownloadProtocol == "" {
		a.Config.TransferOptions.DownloadProtocol = "ftp"
	}

	if a.v.GetString("transfer.download.host") != "" {
		a.Config.TransferOptions.DownloadHost = a.v.GetString("transfer.download.host")
	}

	if a.Config.TransferOptions.DownloadHost == "" {
		return errors.New("missing parameter: transfer.download_host")
	}

	if a.v.GetString("transfer.download.base.path") != "" {
		a.Config.TransferOptions.DownloadBasePath = a.v.GetString("transfer.download.base.path")
	}

	if a.v.GetString("transfer.download.username") != "" {
		a.Config.TransferOptions.DownloadUsername = a.v.GetString("transfer.download.username")
	}

	if a.v.GetString("transfer.download.password") != "" {
		a.Config.TransferOptions.DownloadPassword = a.v.GetString("transfer.download.password")
	}

	if a.v.GetString("transfer.upload.protocol") != "" {
		a.Config.TransferOptions.UploadProtocol = a.v.GetString("transfer.upload.protocol")
	}

	if a.Config.TransferOptions.UploadProtocol == "" {
		a.Config.TransferOptions.UploadProtocol = "ftp"
	}

	if a.v.GetString("transfer.upload.host") != "" {
		a.Config.TransferOptions.UploadHost = a.v.GetString("transfer.upload.host")
	}

	if a.Config.TransferOptions.UploadHost == "" {
		return errors.New("missing parameter: transfer.upload_host")
	}

	if a.v.GetString("transfer.upload.base.path") != "" {
		a.Config.TransferOptions.UploadBasePath = a.v.GetString("transfer.upload.base.path")
	}

	if a.v.GetString("transfer.upload.username") != "" {
		a.Config.TransferOptions.UploadUsername = a.v.GetString("transfer.upload.username")
	}

	if a.v.GetString("transfer.upload.password") != "" {
		a.Config.TransferOptions.UploadPassword = a.v.GetString("transfer.upload.password")
	}

	return nil
}

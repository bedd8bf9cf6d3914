/*
Package config manages the host's configuration lifecycle: multi-source
loading, runtime hot-reload, change auditing, and an HTTP management API.
Values merge in the order "defaults -> YAML file -> environment
variables".

# Core types

  - Config: top-level aggregate covering Server, Fabric, Store, Engine,
    Supervisor, and Telemetry sections.
  - Loader: builder-style loader that chains file path, environment
    prefix, and custom validators.
  - HotReloadManager: watches the config file, applies partial field
    updates, invokes change callbacks, and keeps a log of applied
    changes. It records no version numbers and has no rollback.
  - FileWatcher: poll-plus-debounce file-change watcher that triggers
    reload.
  - ConfigAPIHandler: HTTP handler exposing config read, update,
    manual-reload, and history endpoints.

# Capabilities

  - Multi-source loading: YAML file, environment variables
    (WASMLATTICED_ prefix), and built-in defaults.
  - Hot reload: automatic on file change, or triggered manually via the
    API; supports field-level updates.
  - Safety: sensitive fields are redacted in API responses
    (SanitizedConfig), API keys are read from the X-API-Key header or
    the api_key query parameter, CORS is configurable.
  - Change auditing: a log of applied changes; applying a full
    configuration trims it to the most recent 1000 entries.
  - Validation: built-in structural checks plus a caller-supplied
    ValidateFunc hook.

# Example

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("WASMLATTICED").
		Load()
*/
package config

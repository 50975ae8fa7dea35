// Package config loads and validates the router configuration.
//
// Configuration is assembled in layers: built-in defaults, then each file
// added with AddLayer (JSON, or YAML when the extension is .yaml or .yml),
// then ROUTER_* environment variables. Later layers only override the keys
// they actually set, so a production file can change one flush interval
// without restating the rest.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/router.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Durations are written in Go syntax ("500ms", "5s") for every key ending in
// _interval, _timeout, _wait or _max_age; "14d" is accepted as days.
//
// Topic templates are validated for their tokens: the live-data template
// needs both $type and $target, the trigger template needs $type.
package config

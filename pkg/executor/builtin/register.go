package builtin

import "github.com/flowmesh/core/pkg/executor"

// RegisterBuiltins registers the built-in executors listed below with the given manager.
// The JSON and base64 adapter executors and the telegram_parse, telegram_download
// and telegram_callback executors are not registered here.
// This function should be called by applications that want to use built-in executors.
func RegisterBuiltins(manager executor.Manager) error {
	executors := map[string]executor.Executor{
		"http":          NewHTTPExecutor(),
		"transform":     NewTransformExecutor(),
		"llm":           NewLLMExecutor(),
		"function_call": NewFunctionCallExecutor(),
		"telegram":      NewTelegramExecutor(),
		"merge":         NewMergeExecutor(),
		"conditional":   NewConditionalExecutor(),
		"rss_parser":    NewRSSParserExecutor(),
	}

	for name, exec := range executors {
		if err := manager.Register(name, exec); err != nil {
			return err
		}
	}

	return nil
}

// MustRegisterBuiltins registers the same executors as RegisterBuiltins and panics on error.
// This is a convenience function for initialization code.
func MustRegisterBuiltins(manager executor.Manager) {
	if err := RegisterBuiltins(manager); err != nil {
		panic("failed to register built-in executors: " + err.Error())
	}
}

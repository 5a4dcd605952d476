package config

// mergeFlows merges built-in and user-defined flows. A user flow with the
// same flow_type replaces the built-in one wholesale; partial step merges
// would produce flows nobody wrote.
func mergeFlows(builtin map[string]FlowConfig, user map[string]FlowConfig) map[string]FlowConfig {
	result := make(map[string]FlowConfig, len(builtin)+len(user))
	for flowType, flow := range builtin {
		result[flowType] = flow
	}
	for flowType, flow := range user {
		result[flowType] = flow
	}
	return result
}

// mergeTemplates merges built-in and user-defined templates. User
// templates override built-in templates with the same name.
func mergeTemplates(builtin map[string]TemplateConfig, user map[string]TemplateConfig) map[string]TemplateConfig {
	result := make(map[string]TemplateConfig, len(builtin)+len(user))
	for name, tpl := range builtin {
		result[name] = tpl
	}
	for name, tpl := range user {
		result[name] = tpl
	}
	return result
}

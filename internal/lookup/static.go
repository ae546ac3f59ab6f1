package lookup

import "context"

// StaticProvider serves configurations held in memory.
type StaticProvider struct {
	configs map[string]*ColumnConfig
}

func NewStaticProvider(configs map[string]*ColumnConfig) *StaticProvider {
	if configs == nil {
		configs = make(map[string]*ColumnConfig)
	}
	return &StaticProvider{configs: configs}
}

func (p *StaticProvider) SupportedColumns(_ context.Context, objectType string) (*ColumnConfig, error) {
	config, ok := p.configs[objectType]
	if !ok {
		return nil, nil
	}
	return cloneConfig(config), nil
}

func cloneConfig(config *ColumnConfig) *ColumnConfig {
	if config == nil {
		return nil
	}
	clone := &ColumnConfig{
		SupportedColumns: make(map[string]string, len(config.SupportedColumns)),
		MandatoryColumns: append([]string(nil), config.MandatoryColumns...),
	}
	for key, value := range config.SupportedColumns {
		clone.SupportedColumns[key] = value
	}
	return clone
}

//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject

package app

func buildApp(opts Options) (*App, error) {
	app, err := NewApp(opts)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Build 是 CLI 的装配入口。
func Build(opts Options) (*App, error) {
	return buildApp(opts)
}

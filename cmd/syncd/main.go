package main

import (
	"flag"

	"github.com/Elmundo93/aushilf-sync/internal/app"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "default", "profile name")
	configFlag := flag.String("config", "", "config file path (overrides profile config)")
	flag.Parse()

	fx.New(
		app.Module(app.Params{
			Profile:    *profileFlag,
			ConfigPath: *configFlag,
		}),
	).Run()
}

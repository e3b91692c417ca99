/*
Command lumina runs the generation orchestration service.

	lumina serve                      start the service
	lumina serve --config lumina.yaml use a config file
	lumina migrate up                 apply database migrations
	lumina migrate status             show migration status
	lumina version                    print build metadata
	lumina health                     probe a running instance

The serve command exposes the generation API on the HTTP port and
Prometheus metrics on a separate port. Configuration comes from the YAML
file plus LUMINA_* environment overrides.
*/
package main

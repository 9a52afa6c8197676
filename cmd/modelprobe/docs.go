package main

// General API documentation for swaggo. Regenerate internal/httpapi/docs with
// `swag init -g cmd/modelprobe/docs.go -d ./,internal/httpapi -o internal/httpapi/docs`.
//
// @title           modelprobe API
// @version         1.0
// @description     HTTP API for identifying and cataloguing generative-model artifacts.
//
// @contact.name   modelprobe maintainers
// @contact.url    https://github.com/your-org/modelprobe
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http

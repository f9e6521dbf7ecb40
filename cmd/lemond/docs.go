package main

// General API documentation for swaggo. Run `swag init -g cmd/lemond/docs.go`
// and build with -tags=swagger to serve it.
//
// @title           lemond API
// @version         1.0
// @description     OpenAI-compatible gateway in front of locally managed inference engines.
//
// @BasePath  /
//
// @schemes http

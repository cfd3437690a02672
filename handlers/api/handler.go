package api

// @title txguard API
// @version 1.0
// @description Transaction simulation and risk evaluation API.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

// @tag.name Evaluation
// @tag.description Transaction evaluation endpoints

// @tag.name Export
// @tag.description Simulation export endpoints

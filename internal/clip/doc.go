// Package clip holds the domain types and collaborator interfaces shared by the
// ingestion-and-analysis pipeline: jobs, credentials, artifacts, inbound chat
// events and the error taxonomy that the orchestrator converts into user-facing
// notices.
package clip

// Package harvest defines the domain types, collaborator interfaces, and error
// taxonomy shared by the scrape orchestration engine: work items, candidate
// articles, scheduler outcomes, scrape runs, and the backfill cursor.
package harvest

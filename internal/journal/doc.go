// Package journal persists notification delivery outcomes so an operator
// can ask "did last night's run actually reach anyone" after the fact.
//
// Writes arrive via the event bus, off the dispatch path: a journal
// failure can never delay or fail a delivery.
package journal

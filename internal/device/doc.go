// Package device keeps the relay state history for the Dobiss bridge.
//
// Every state change the bridge observes is stored as a JSON snapshot in
// the state_history table. On start the bridge reads LatestStates to seed
// each relay's cached state, and main prunes entries older than the
// configured retention.
//
//	repo := device.NewSQLiteStateHistoryRepository(db.DB)
//	err := repo.RecordStateChange(ctx, "light-wc", device.State{"on": true}, device.StateHistorySourceAck)
//
// The schema lives in migrations/*_state_history.up.sql.
package device

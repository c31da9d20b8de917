package service

// Package service drives the lifecycle of scan groups.
//
// Overview
// The Supervisor is the entry point for scheduling. Schedule creates a READY
// group for a list unless the list is busy or was scanned recently, then
// hands the group to a Dispatcher on a tracked goroutine. A periodic sweep
// moves groups stuck in SCANNING to ERROR once the timeout has passed.
//
// State machine:
//
//	READY --dispatch--> SCANNING --last unit--> FINISH
//	  |                    |
//	  +--dispatch failed   +--timeout (sweep)--> ERROR
//	       --> ERROR
//
// FINISH and ERROR are terminal. Every transition is a conditional update in
// the store, so when the last unit and the sweep race only one of them
// changes the group.
//
// Data flow:
//
//	Supervisor           store.Store             Dispatcher
//	    |                     |                       |
//	Schedule -- lock list --->| CreateGroupIfIdle     |
//	    | go dispatch ----------------------------->  | Dispatch
//	    |                     |<- MarkScanning -------|
//	    |                     |<- FinishGroup --------| (last unit)
//	gocron sweep ------------>| ReapExpired           |
//	gocron rescan -> Schedule for every list          |

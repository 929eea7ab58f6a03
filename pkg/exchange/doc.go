// Package exchange implements a synchronized, cross-process message
// exchange channel between a simulation process and a controller process
// over a named shared memory segment.
//
// A session carries two fixed-layout records in opposite directions: a
// feature record published by the simulation and an action record published
// by the controller. Each direction has a single slot holding the latest
// payload; there is no queueing. A shared futex-backed lock guards the
// control area, and one condition signal per direction wakes a blocked
// reader when a payload is published. Setting the finished flag releases
// every waiter and ends the session permanently.
//
// The intended usage is strictly alternating turns:
//
//	simulation                      controller
//	----------                      ----------
//	SendBegin(DirectionFeature)
//	  write FeatureView()
//	SendEnd(DirectionFeature)  -->  RecvBegin(DirectionFeature)
//	                                  read FeatureView()
//	                                RecvEnd(DirectionFeature)
//	                                SendBegin(DirectionAction)
//	                                  write ActionView()
//	RecvBegin(DirectionAction) <--  SendEnd(DirectionAction)
//	  read ActionView()
//	RecvEnd(DirectionAction)
//
// Only Linux is supported; the protocol relies on shared futexes and
// /dev/shm backed mappings.
package exchange

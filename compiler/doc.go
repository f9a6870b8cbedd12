/*

Process of compilation

SSA Package (ir) ->
	order ->
Final Block Sequence ->
	lower ->
VCode (virtual registers) ->
	regalloc ->
VCode + Assignment ->
	emit ->
Binary Object (obj) ->
	link ->
Module Code

Each function goes through the pipeline independently, module linking
resolves calls between the results.

*/
package compiler

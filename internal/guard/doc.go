// Package guard throttles agent-to-agent message loops with a pairwise
// cooldown and a rolling rate cap. Direct mentions bypass the check but
// still count as an exchange for the pair.
package guard

package authority

import (
	"math/rand"

	"github.com/cbodonnell/townsquare/pkg/models"
)

const (
	RoleTypeTownsfolk = "townsfolk"
	RoleTypeOutsider  = "outsider"
	RoleTypeMinion    = "minion"
	RoleTypeDemon     = "demon"

	// DefaultScriptID is used when a game is created without a script.
	DefaultScriptID int64 = 1
)

type Script struct {
	ID    int64
	Name  string
	Roles []models.Role
}

func (s *Script) rolesOfType(roleType string) []models.Role {
	roles := []models.Role{}
	for _, r := range s.Roles {
		if r.Type == roleType {
			roles = append(roles, r)
		}
	}
	return roles
}

var scripts = map[int64]*Script{
	DefaultScriptID: {
		ID:   DefaultScriptID,
		Name: "Trouble Brewing",
		Roles: []models.Role{
			{ID: 1, Name: "Washerwoman", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 2, Name: "Librarian", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 3, Name: "Investigator", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 4, Name: "Chef", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 5, Name: "Empath", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 6, Name: "Fortune Teller", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 7, Name: "Undertaker", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 8, Name: "Monk", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 9, Name: "Ravenkeeper", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 10, Name: "Virgin", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 11, Name: "Slayer", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 12, Name: "Soldier", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 13, Name: "Mayor", Team: models.TeamGood, Type: RoleTypeTownsfolk},
			{ID: 14, Name: "Butler", Team: models.TeamGood, Type: RoleTypeOutsider},
			{ID: 15, Name: "Drunk", Team: models.TeamGood, Type: RoleTypeOutsider},
			{ID: 16, Name: "Recluse", Team: models.TeamGood, Type: RoleTypeOutsider},
			{ID: 17, Name: "Saint", Team: models.TeamGood, Type: RoleTypeOutsider},
			{ID: 18, Name: "Poisoner", Team: models.TeamEvil, Type: RoleTypeMinion},
			{ID: 19, Name: "Spy", Team: models.TeamEvil, Type: RoleTypeMinion},
			{ID: 20, Name: "Scarlet Woman", Team: models.TeamEvil, Type: RoleTypeMinion},
			{ID: 21, Name: "Baron", Team: models.TeamEvil, Type: RoleTypeMinion},
			{ID: 22, Name: "Imp", Team: models.TeamEvil, Type: RoleTypeDemon},
		},
	},
}

// LookupScript returns the built in script with the given id.
func LookupScript(id int64) (*Script, bool) {
	s, ok := scripts[id]
	return s, ok
}

// distribution is indexed by player count minus MinPlayers:
// townsfolk, outsiders, minions, demons.
var distribution = [][4]int{
	{3, 0, 1, 1},
	{3, 1, 1, 1},
	{5, 0, 1, 1},
	{5, 1, 1, 1},
	{5, 2, 1, 1},
	{7, 0, 2, 1},
	{7, 1, 2, 1},
	{7, 2, 2, 1},
	{9, 0, 3, 1},
	{9, 1, 3, 1},
	{9, 2, 3, 1},
}

// Distribution returns the role type counts for a player count.
func Distribution(playerCount int) (map[string]int, bool) {
	i := playerCount - MinPlayers
	if i < 0 || i >= len(distribution) {
		return nil, false
	}
	row := distribution[i]
	return map[string]int{
		RoleTypeTownsfolk: row[0],
		RoleTypeOutsider:  row[1],
		RoleTypeMinion:    row[2],
		RoleTypeDemon:     row[3],
	}, true
}

// assignRoles shuffles seats and hands every player a distinct role of the script.
func assignRoles(r *rand.Rand, script *Script, players []models.Player) bool {
	counts, ok := Distribution(len(players))
	if !ok {
		return false
	}

	selected := []models.Role{}
	for _, roleType := range []string{RoleTypeTownsfolk, RoleTypeOutsider, RoleTypeMinion, RoleTypeDemon} {
		pool := script.rolesOfType(roleType)
		if len(pool) < counts[roleType] {
			return false
		}
		r.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		selected = append(selected, pool[:counts[roleType]]...)
	}
	r.Shuffle(len(selected), func(i, j int) { selected[i], selected[j] = selected[j], selected[i] })

	seats := r.Perm(len(players))
	for i := range players {
		role := selected[i]
		players[i].Role = &role
		players[i].Seat = seats[i]
	}
	return true
}
